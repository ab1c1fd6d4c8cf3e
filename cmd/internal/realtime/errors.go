package realtime

import "errors"

var (
	// ErrInvalidArgument is returned when a caller omits a required parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrChannelClosed is returned when an operation targets a channel that is
	// closed or errored. Broadcast callers are expected to log and move on.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSubscribeTimeout is reported through a channel's state when the
	// transport never answers a subscribe request within the bounded timeout.
	ErrSubscribeTimeout = errors.New("subscribe timeout")

	// ErrTransport wraps transport-level failures (dial, send, open).
	ErrTransport = errors.New("transport failure")
)
