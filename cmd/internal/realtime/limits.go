package realtime

import "time"

// Security/performance limits for the realtime layer.
const (
	// Max bytes per websocket frame read (hard limit).
	relayMaxFrameBytes = 64 << 10 // 64 KiB

	// Bounded per-channel event queue. Events beyond this are dropped
	// rather than blocking the transport.
	channelQueueSize = 256

	defaultSendQueueSize = 256
	minSendQueueSize     = 32
)

const (
	// Heartbeat defaults (env-tunable in relay.go / transport_ws.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection relay rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second
)

const (
	// Bound on how long a channel may sit in "joining" before it is errored.
	defaultSubscribeTimeout = 10 * time.Second

	// Reconnection policy defaults: wait baseDelay*attempt between attempts,
	// give up after maxReconnectAttempts.
	defaultBackoffBase          = 2 * time.Second
	defaultMaxReconnectAttempts = 5

	// Fallback health sweep interval when no state events arrive.
	defaultPollInterval = 15 * time.Second
)
