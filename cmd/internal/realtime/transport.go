package realtime

import "context"

// ChannelState is the lifecycle state of a logical channel.
type ChannelState string

const (
	StateJoining ChannelState = "joining"
	StateJoined  ChannelState = "joined"
	StateClosed  ChannelState = "closed"
	StateErrored ChannelState = "errored"
)

// terminal reports whether a state admits no further transitions.
func (s ChannelState) terminal() bool {
	return s == StateClosed || s == StateErrored
}

// BroadcastHandler receives an inbound broadcast event on a channel.
type BroadcastHandler func(event string, payload []byte)

// StatusFunc observes subscription state changes for a channel.
// Transport failures surface here, never as errors from Subscribe itself.
type StatusFunc func(state ChannelState, err error)

// PresenceSink receives raw presence events from the transport.
// Metas are opaque payload bytes; aggregation into typed entries happens
// in the presence view.
type PresenceSink struct {
	Sync  func(state map[string][][]byte)
	Join  func(key string, metas [][]byte)
	Leave func(key string, metas [][]byte)
}

// ChannelRef is the transport-level subscription owned by exactly one
// channel handle. Handler registration must happen before Subscribe for
// events not to be missed; additional broadcast handlers may be attached
// later and apply from the next event on.
type ChannelRef interface {
	// OnBroadcast registers a handler for a named broadcast event.
	OnBroadcast(event string, h BroadcastHandler)

	// OnPresence registers the presence sink. At most one sink per ref.
	OnPresence(sink PresenceSink)

	// Subscribe starts the subscription. The outcome (joined, errored,
	// later closed) is delivered through status.
	Subscribe(ctx context.Context, status StatusFunc) error

	// Send publishes a broadcast event to every other subscriber of the
	// channel's topic. id is a client-generated dedupe identifier.
	Send(ctx context.Context, event, id string, data []byte) error

	// Track announces (or re-announces) the caller's presence payload.
	Track(ctx context.Context, meta []byte) error

	// Untrack withdraws the caller's presence without closing the channel.
	Untrack(ctx context.Context) error

	// Close releases the underlying subscription. Idempotent.
	Close() error
}

// Transport opens transport-level channels by logical name.
// Every channel must be opened through the registry-owning Manager so
// registry and transport state cannot diverge.
type Transport interface {
	OpenChannel(name string) (ChannelRef, error)
}

// Channel name scheme: <scope>:<id>:<purpose>.

// CourseMessagesChannel is the broadcast channel name for a course's messages.
func CourseMessagesChannel(courseID string) string {
	return "course:" + courseID + ":messages"
}

// CoursePresenceChannel is the presence channel name for a course.
func CoursePresenceChannel(courseID string) string {
	return "course:" + courseID + ":presence"
}

// MessageEvent is the broadcast event name for group course messages.
const MessageEvent = "message"

// DirectMessageEvent is the broadcast event name scoping a private message
// to a single participant. Only subscribers bound to their own user id
// receive these events.
func DirectMessageEvent(userID string) string {
	return "message.direct." + userID
}
