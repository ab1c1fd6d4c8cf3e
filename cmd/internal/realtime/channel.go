package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "campus/contracts/realtime/v1"
)

// MessageCallbacks is the typed handler set for a course message channel.
type MessageCallbacks struct {
	// OnMessage is invoked for each inbound broadcast message.
	OnMessage func(msg v1.ChatMessage)

	// UserID optionally binds delivery of private messages addressed to
	// this user. Left empty, the subscriber receives group messages only.
	UserID string
}

// PresenceCallbacks is the typed handler set for a presence channel.
type PresenceCallbacks struct {
	OnJoin  func(key string, entries []PresenceEntry)
	OnLeave func(key string, entries []PresenceEntry)
	OnSync  func(state PresenceState)
}

// subscriberSet holds the callbacks of every independent subscriber
// attached to one logical channel name. It outlives individual Channel
// handles so callbacks survive a rebuild after a transport drop.
type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	msg    map[int]MessageCallbacks
	pres   map[int]PresenceCallbacks
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{
		msg:  make(map[int]MessageCallbacks),
		pres: make(map[int]PresenceCallbacks),
	}
}

func (s *subscriberSet) addMessage(cb MessageCallbacks) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.msg[s.nextID] = cb
	return s.nextID
}

func (s *subscriberSet) addPresence(cb PresenceCallbacks) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.pres[s.nextID] = cb
	return s.nextID
}

func (s *subscriberSet) remove(id int) {
	s.mu.Lock()
	delete(s.msg, id)
	delete(s.pres, id)
	s.mu.Unlock()
}

func (s *subscriberSet) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msg) == 0 && len(s.pres) == 0
}

func (s *subscriberSet) directUserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.msg))
	out := make([]string, 0, len(s.msg))
	for _, cb := range s.msg {
		if cb.UserID == "" {
			continue
		}
		if _, ok := seen[cb.UserID]; ok {
			continue
		}
		seen[cb.UserID] = struct{}{}
		out = append(out, cb.UserID)
	}
	return out
}

// Callback snapshots are taken under the lock and invoked outside it so a
// handler may unsubscribe without deadlocking.

func (s *subscriberSet) dispatchMessage(msg v1.ChatMessage) {
	s.mu.Lock()
	handlers := make([]func(v1.ChatMessage), 0, len(s.msg))
	for _, cb := range s.msg {
		if cb.OnMessage != nil {
			handlers = append(handlers, cb.OnMessage)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// dispatchDirect delivers a private message only to subscribers bound to
// userID, preserving the visibility invariant for non-null recipients.
func (s *subscriberSet) dispatchDirect(userID string, msg v1.ChatMessage) {
	s.mu.Lock()
	handlers := make([]func(v1.ChatMessage), 0, 1)
	for _, cb := range s.msg {
		if cb.UserID == userID && cb.OnMessage != nil {
			handlers = append(handlers, cb.OnMessage)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (s *subscriberSet) dispatchJoin(key string, entries []PresenceEntry) {
	for _, h := range s.presenceHandlers(func(cb PresenceCallbacks) func(string, []PresenceEntry) { return cb.OnJoin }) {
		h(key, entries)
	}
}

func (s *subscriberSet) dispatchLeave(key string, entries []PresenceEntry) {
	for _, h := range s.presenceHandlers(func(cb PresenceCallbacks) func(string, []PresenceEntry) { return cb.OnLeave }) {
		h(key, entries)
	}
}

func (s *subscriberSet) dispatchSync(state PresenceState) {
	s.mu.Lock()
	handlers := make([]func(PresenceState), 0, len(s.pres))
	for _, cb := range s.pres {
		if cb.OnSync != nil {
			handlers = append(handlers, cb.OnSync)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

func (s *subscriberSet) presenceHandlers(pick func(PresenceCallbacks) func(string, []PresenceEntry)) []func(string, []PresenceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]func(string, []PresenceEntry), 0, len(s.pres))
	for _, cb := range s.pres {
		if h := pick(cb); h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Channel is one live logical subscription: the handle pairing a channel
// name with its transport ref. The ref is owned exclusively by this
// handle; no other component touches it directly.
type Channel struct {
	name    string
	log     *slog.Logger
	ref     ChannelRef
	subs    *subscriberSet
	metrics *Metrics

	// presence is nil for pure broadcast channels.
	presence *presenceView

	// onState is the Manager hook driving registry self-healing and
	// connection health. Set before the handle is published.
	onState func(ch *Channel, state ChannelState, err error)

	mu          sync.Mutex
	state       ChannelState
	err         error
	directBound map[string]struct{}
	tracked     bool
	subTimer    *time.Timer

	closeOnce sync.Once
}

// Name returns the channel's logical name.
func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the channel to its terminal state, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// live reports whether the handle may be reused by a setup call.
func (c *Channel) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateJoining || c.state == StateJoined
}

// setState applies a state transition. Terminal states stick; repeated
// transitions to the same state are dropped so status callbacks, timers
// and explicit teardown may race freely.
func (c *Channel) setState(state ChannelState, err error) {
	c.mu.Lock()
	if c.state == state || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.err = err
	if state.terminal() && c.subTimer != nil {
		c.subTimer.Stop()
		c.subTimer = nil
	}
	hook := c.onState
	c.mu.Unlock()

	if hook != nil {
		hook(c, state, err)
	}
}

// armSubscribeTimeout bounds the joining phase so a transport that never
// calls back cannot leave the handle connecting forever.
func (c *Channel) armSubscribeTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subTimer = time.AfterFunc(d, func() {
		if c.State() == StateJoining {
			c.log.Info("realtime.channel.subscribe_timeout", "channel", c.name, "timeout", d)
			c.setState(StateErrored, ErrSubscribeTimeout)
		}
	})
}

// Broadcast publishes an event to every other subscriber of this channel's
// topic. A send against a channel mid-teardown fails with ErrChannelClosed;
// callers log it rather than surfacing it to the original action.
func (c *Channel) Broadcast(ctx context.Context, event, id string, data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state.terminal() {
		return fmt.Errorf("%w: %s", ErrChannelClosed, c.name)
	}
	if err := c.ref.Send(ctx, event, id, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// bindGroupMessages wires the group message event to subscriber dispatch.
func (c *Channel) bindGroupMessages() {
	c.ref.OnBroadcast(MessageEvent, func(_ string, payload []byte) {
		msg, ok := decodeChatMessage(c.log, c.name, payload)
		if !ok {
			return
		}
		c.countDelivered()
		c.subs.dispatchMessage(msg)
	})
}

// bindDirect wires delivery of private messages addressed to userID.
// Idempotent per user id for the lifetime of this handle.
func (c *Channel) bindDirect(userID string) {
	if userID == "" {
		return
	}

	c.mu.Lock()
	if c.directBound == nil {
		c.directBound = make(map[string]struct{})
	}
	if _, ok := c.directBound[userID]; ok {
		c.mu.Unlock()
		return
	}
	c.directBound[userID] = struct{}{}
	c.mu.Unlock()

	uid := userID
	c.ref.OnBroadcast(DirectMessageEvent(uid), func(_ string, payload []byte) {
		msg, ok := decodeChatMessage(c.log, c.name, payload)
		if !ok {
			return
		}
		c.countDelivered()
		c.subs.dispatchDirect(uid, msg)
	})
}

// bindPresence wires transport presence events to the aggregated view and
// subscriber dispatch.
func (c *Channel) bindPresence() {
	c.ref.OnPresence(PresenceSink{
		Sync: func(raw map[string][][]byte) {
			state := decodePresenceState(raw)
			c.presence.replace(state)
			c.subs.dispatchSync(state)
		},
		Join: func(key string, metas [][]byte) {
			c.subs.dispatchJoin(key, decodePresenceEntries(metas))
		},
		Leave: func(key string, metas [][]byte) {
			if c.metrics != nil {
				c.metrics.PresenceLeaves.Inc()
			}
			c.subs.dispatchLeave(key, decodePresenceEntries(metas))
		},
	})
}

func (c *Channel) countDelivered() {
	if c.metrics != nil {
		c.metrics.MessagesDelivered.Inc()
	}
}

func (c *Channel) track(ctx context.Context, meta []byte) error {
	if err := c.ref.Track(ctx, meta); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) untrack(ctx context.Context) error {
	c.mu.Lock()
	wasTracked := c.tracked
	c.tracked = false
	c.mu.Unlock()

	if !wasTracked {
		return nil
	}
	if err := c.ref.Untrack(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// teardown releases the underlying connection. Safe to call multiple times.
func (c *Channel) teardown(ctx context.Context) {
	c.closeOnce.Do(func() {
		if c.ref == nil {
			return
		}
		if c.presence != nil {
			if err := c.untrack(ctx); err != nil {
				c.log.Info("realtime.channel.untrack_fail", "channel", c.name, "err", err)
			}
		}
		if err := c.ref.Close(); err != nil {
			c.log.Info("realtime.channel.close_fail", "channel", c.name, "err", err)
		}
	})
	c.setState(StateClosed, nil)
}

func decodeChatMessage(log *slog.Logger, channel string, payload []byte) (v1.ChatMessage, bool) {
	var msg v1.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Info("realtime.channel.bad_payload", "channel", channel, "err", err)
		return v1.ChatMessage{}, false
	}
	return msg, true
}
