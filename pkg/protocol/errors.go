package protocol

import "errors"

var (
	// ErrNotAuthenticated is returned when a datagram is malformed or its MAC
	// does not verify. The two cases are deliberately indistinguishable so
	// that nothing about the failure leaks to unauthenticated senders.
	ErrNotAuthenticated = errors.New("datagram not authenticated")

	// ErrIdentSize is returned when an identity is empty or longer than
	// MaxIdentSize bytes.
	ErrIdentSize = errors.New("identity must be 1-255 bytes")
)
