// Package signaling is the relay server's /signal websocket endpoint.
//
// A connection authenticates once at upgrade time and is bound to one call.
// It may subscribe to and publish on that call's topic only; the server
// stamps every published envelope with the authenticated participant and
// role, so peers cannot impersonate each other. Fan-out goes through a
// relay.Relay, either in-process or across instances via redis.
package signaling
