// Package config loads the configuration of the relay server and the headless
// peer. Environment variables provide flag defaults, an optional config file
// sits underneath the environment, and command line flags win.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "INTERVIEW_RTC_LISTEN_ADDR"
	envVarPublicBaseURL   = "INTERVIEW_RTC_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarShutdownTimeout = "INTERVIEW_RTC_SHUTDOWN_TIMEOUT"

	envVarAuthMode  = "AUTH_MODE"
	envVarJWTSecret = "JWT_SECRET"

	envVarRelayBackend       = "RELAY_BACKEND"
	envVarRedisURL           = "REDIS_URL"
	envVarRedisChannelPrefix = "REDIS_CHANNEL_PREFIX"

	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxConnections                = "MAX_CONNECTIONS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second

	DefaultAuthMode     AuthMode     = AuthModeJWT
	DefaultRelayBackend RelayBackend = RelayBackendMemory

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "interview"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

// RelayBackend selects how the relay server fans envelopes out between
// connections.
type RelayBackend string

const (
	// RelayBackendMemory fans out within one process.
	RelayBackendMemory RelayBackend = "memory"
	// RelayBackendRedis fans out through Redis pub/sub so several relay
	// instances can serve one call.
	RelayBackendRedis RelayBackend = "redis"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

// Config is the relay server configuration.
type Config struct {
	Logging

	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	ConfigFile      string

	AuthMode  AuthMode
	JWTSecret string

	RelayBackend       RelayBackend
	RedisURL           string
	RedisChannelPrefix string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxConnections bounds concurrent /signal connections. Zero means
	// unlimited.
	MaxConnections int

	// ICEServers is the client-facing list served by /webrtc/ice. With TURN
	// REST enabled its TURN entries may lack credentials.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	lookup, configFile, err := withConfigFile(envLookup, args)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("interview-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logging := registerLoggingFlags(fs, lookup)
	var ice iceFlags
	ice.register(fs, lookup)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	relayBackendStr := envOrDefault(lookup, envVarRelayBackend, string(DefaultRelayBackend))
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	redisChannelPrefix := envOrDefault(lookup, envVarRedisChannelPrefix, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTLSecondsInt, err := envIntOrDefault(lookup, envVarTURNRESTTTLSeconds, int(DefaultTURNRESTTTLSeconds))
	if err != nil {
		return Config{}, err
	}
	turnRESTTTLSeconds := int64(turnRESTTTLSecondsInt)
	maxSignalingMessageBytes64 := int64(maxSignalingMessageBytes)

	fs.String("config", configFile, "Optional config file (yaml, json or toml; env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging; env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s; env "+envVarShutdownTimeout+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&relayBackendStr, "relay-backend", relayBackendStr, "Envelope fan-out backend: memory or redis (env "+envVarRelayBackend+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the redis relay backend (env "+envVarRedisURL+")")
	fs.StringVar(&redisChannelPrefix, "redis-channel-prefix", redisChannelPrefix, "Redis pub/sub channel prefix (env "+envVarRedisChannelPrefix+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes64, "max-signaling-message-bytes", maxSignalingMessageBytes64, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum concurrent signaling connections (0 = unlimited; env "+envVarMaxConnections+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; env "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	log, err := logging.resolve(fs)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	jwtSecret = strings.TrimSpace(jwtSecret)
	if authMode == AuthModeJWT && jwtSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}

	relayBackend, err := parseRelayBackend(relayBackendStr)
	if err != nil {
		return Config{}, err
	}
	redisURL = strings.TrimSpace(redisURL)
	if relayBackend == RelayBackendRedis {
		if redisURL == "" {
			return Config{}, fmt.Errorf("%s/--redis-url is required when %s=%s", envVarRedisURL, envVarRelayBackend, RelayBackendRedis)
		}
		u, err := url.Parse(redisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return Config{}, fmt.Errorf("invalid %s/--redis-url %q (expected redis:// or rediss://)", envVarRedisURL, redisURL)
		}
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval (%s) must be < %s/--signaling-ws-idle-timeout (%s)",
			envVarSignalingWSPingInterval, signalingWSPingInterval, envVarSignalingWSIdleTimeout, signalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes64 <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0", envVarMaxConnections)
	}

	turnRESTSharedSecret = strings.TrimSpace(turnRESTSharedSecret)
	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		Logging:         log,
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,
		ConfigFile:      fs.Lookup("config").Value.String(),

		AuthMode:  authMode,
		JWTSecret: jwtSecret,

		RelayBackend:       relayBackend,
		RedisURL:           redisURL,
		RedisChannelPrefix: strings.TrimSpace(redisChannelPrefix),

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes64,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		MaxConnections:                maxConnections,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := ice.parse(cfg.TURNREST.Enabled())
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseRelayBackend(raw string) (RelayBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RelayBackendMemory):
		return RelayBackendMemory, nil
	case string(RelayBackendRedis):
		return RelayBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarRelayBackend, raw, RelayBackendMemory, RelayBackendRedis)
	}
}
