package gossip

import "errors"

var (
	// ErrAlreadyStarted is returned when starting gossip that has already
	// been started.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when shutting down gossip that was never
	// started.
	ErrNotStarted = errors.New("not started")

	// ErrShutdown is returned when using gossip after it has been shut down.
	ErrShutdown = errors.New("shutdown")

	// ErrTermOverflow is returned when a record term cannot be incremented.
	ErrTermOverflow = errors.New("term overflow")

	// ErrMalformedRecord is returned when decoding an invalid record.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnsupportedVersion is returned when receiving a payload with an
	// unknown protocol version.
	ErrUnsupportedVersion = errors.New("unsupported version")
)
