package relay

import "errors"

var (
	ErrClosed = errors.New("relay closed")
	// ErrUnknownSubscription is returned when unsubscribing a handle that does
	// not belong to the relay or was already removed.
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrForbidden           = errors.New("relay refused topic")
)
