// Package realtime contains the Campus realtime core: channel registry and
// lifecycle, broadcast message channels, presence tracking, the connection
// state machine, and the transports they run over.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type channelKind uint8

const (
	kindMessages channelKind = iota
	kindPresence
)

// desire records that some subscriber wants a channel open under a name.
// It outlives individual Channel handles: when a transport drop kills a
// handle, the desire (and its callbacks) is what recovery rebuilds from.
type desire struct {
	name string
	kind channelKind
	subs *subscriberSet

	// Guarded by Manager.mu.
	current   *Channel
	trackMeta []byte
}

// Manager owns the channel registry and every channel lifecycle operation.
// One Manager per session; construct it at the composition root and pass
// it by reference. There is no package-global state.
type Manager struct {
	log       *slog.Logger
	transport Transport
	registry  *Registry
	metrics   *Metrics

	subscribeTimeout time.Duration

	mu      sync.Mutex
	desires map[string]*desire
	hooks   []func(name string, state ChannelState)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager) error

// WithRegistry supplies an externally owned registry (shared with the
// message service for broadcast lookup).
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) error {
		if r == nil {
			return errors.New("realtime: nil registry")
		}
		m.registry = r
		return nil
	}
}

// WithMetrics supplies the instrumentation set.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) error {
		if metrics == nil {
			return errors.New("realtime: nil metrics")
		}
		m.metrics = metrics
		return nil
	}
}

// WithSubscribeTimeout bounds how long a channel may stay in joining.
func WithSubscribeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) error {
		if d <= 0 {
			return errors.New("realtime: non-positive subscribe timeout")
		}
		m.subscribeTimeout = d
		return nil
	}
}

// NewManager constructs a Manager over the given transport.
func NewManager(log *slog.Logger, transport Transport, opts ...ManagerOption) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if transport == nil {
		return nil, errors.New("realtime: nil transport")
	}

	m := &Manager{
		log:              log,
		transport:        transport,
		registry:         NewRegistry(),
		metrics:          NewMetrics(nil),
		subscribeTimeout: defaultSubscribeTimeout,
		desires:          make(map[string]*desire),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the registry for broadcast lookups by the message service.
func (m *Manager) Registry() *Registry { return m.registry }

// OnChannelState registers a hook invoked after every channel state change.
// Used by the connection manager for event-driven health tracking.
func (m *Manager) OnChannelState(h func(name string, state ChannelState)) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// SetupCourseMessageChannel opens (or re-attaches to) the broadcast channel
// for a course's messages. While a handle for the name is joining or joined
// it is reused and the new callbacks are attached alongside the existing
// ones; a handle in a terminal state is replaced with a fresh one.
//
// Transport failures never surface as errors here; observe them through
// the subscription's state.
func (m *Manager) SetupCourseMessageChannel(ctx context.Context, courseID string, cb MessageCallbacks) (*Subscription, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, fmt.Errorf("%w: missing course id", ErrInvalidArgument)
	}
	if cb.OnMessage == nil {
		return nil, fmt.Errorf("%w: missing OnMessage callback", ErrInvalidArgument)
	}

	name := CourseMessagesChannel(courseID)

	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.desires[name]
	if d == nil {
		d = &desire{name: name, kind: kindMessages, subs: newSubscriberSet()}
		m.desires[name] = d
	}
	id := d.subs.addMessage(cb)

	if d.current != nil && d.current.live() {
		d.current.bindDirect(cb.UserID)
	} else {
		m.buildLocked(ctx, d)
	}

	return &Subscription{m: m, d: d, id: id}, nil
}

// SetupPresenceTracking opens (or re-attaches to) the presence channel for a
// course and announces the caller's presence payload once the subscription
// joins. userInfo is merged into every tracked payload.
func (m *Manager) SetupPresenceTracking(ctx context.Context, courseID, userID string, info UserInfo, cb PresenceCallbacks) (*PresenceSubscription, error) {
	courseID = strings.TrimSpace(courseID)
	userID = strings.TrimSpace(userID)
	if courseID == "" {
		return nil, fmt.Errorf("%w: missing course id", ErrInvalidArgument)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidArgument)
	}

	name := CoursePresenceChannel(courseID)
	entry := PresenceEntry{
		UserID:      userID,
		DisplayName: info.DisplayName,
		Role:        info.Role,
		OnlineSince: time.Now().UTC(),
		Meta:        info.Meta,
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: user info not serializable: %v", ErrInvalidArgument, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.desires[name]
	if d == nil {
		d = &desire{name: name, kind: kindPresence, subs: newSubscriberSet()}
		m.desires[name] = d
	}
	id := d.subs.addPresence(cb)
	d.trackMeta = meta

	sub := &PresenceSubscription{
		Subscription: Subscription{m: m, d: d, id: id},
		base:         entry,
	}

	if d.current != nil && d.current.live() {
		if ch := d.current; ch.State() == StateJoined {
			go m.trackAsync(ch, meta)
		}
	} else {
		m.buildLocked(ctx, d)
	}

	return sub, nil
}

// buildLocked opens a fresh transport channel for d, registers it, and
// starts the subscribe. Caller holds m.mu.
func (m *Manager) buildLocked(ctx context.Context, d *desire) {
	if old := d.current; old != nil {
		// Release the dead handle's transport resources before replacing it.
		go old.teardown(context.Background())
	}

	ch := &Channel{name: d.name, log: m.log, subs: d.subs, metrics: m.metrics, state: StateJoining}
	if d.kind == kindPresence {
		ch.presence = &presenceView{}
	}

	ref, err := m.transport.OpenChannel(d.name)
	if err != nil {
		ch.state = StateErrored
		ch.err = fmt.Errorf("%w: %v", ErrTransport, err)
		d.current = ch
		m.log.Info("realtime.channel.open_fail", "channel", d.name, "err", err)
		return
	}
	ch.ref = ref

	switch d.kind {
	case kindMessages:
		ch.bindGroupMessages()
		for _, uid := range d.subs.directUserIDs() {
			ch.bindDirect(uid)
		}
	case kindPresence:
		ch.bindPresence()
	}

	ch.onState = m.channelState
	d.current = ch
	m.registry.Put(d.name, ch)
	m.metrics.ActiveChannels.Set(float64(m.registry.Len()))
	ch.armSubscribeTimeout(m.subscribeTimeout)

	m.log.Info("realtime.channel.subscribe", "channel", d.name)

	go func() {
		err := ref.Subscribe(ctx, func(state ChannelState, serr error) {
			ch.setState(state, serr)
		})
		if err != nil {
			ch.setState(StateErrored, fmt.Errorf("%w: %v", ErrTransport, err))
		}
	}()
}

// channelState is the hook every handle reports through. It drives the
// self-healing registry (terminal handles are evicted so the next setup
// builds fresh) and fans state out to connection-health listeners.
func (m *Manager) channelState(ch *Channel, state ChannelState, err error) {
	switch state {
	case StateJoined:
		m.log.Info("realtime.channel.joined", "channel", ch.Name())
		m.announcePresence(ch)
	case StateClosed, StateErrored:
		if m.registry.removeMatch(ch.Name(), ch) {
			m.log.Info("realtime.channel.down", "channel", ch.Name(), "state", string(state), "err", err)
		}
		m.metrics.ActiveChannels.Set(float64(m.registry.Len()))
	}

	for _, h := range m.hooksSnapshot() {
		h(ch.Name(), state)
	}
}

// announcePresence tracks the desired presence payload after a join.
func (m *Manager) announcePresence(ch *Channel) {
	m.mu.Lock()
	d := m.desires[ch.Name()]
	var meta []byte
	if d != nil && d.kind == kindPresence && d.current == ch {
		meta = d.trackMeta
	}
	m.mu.Unlock()

	if meta == nil {
		return
	}
	go m.trackAsync(ch, meta)
}

func (m *Manager) trackAsync(ch *Channel, meta []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	if err := ch.track(ctx, meta); err != nil {
		m.log.Info("realtime.presence.track_fail", "channel", ch.Name(), "err", err)
		return
	}
	m.metrics.PresenceJoins.Inc()
}

func (m *Manager) hooksSnapshot() []func(string, ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(string, ChannelState){}, m.hooks...)
}

// Snapshot reports the current state of every desired channel. A desire
// whose handle died reads as closed until recovery rebuilds it.
func (m *Manager) Snapshot() map[string]ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ChannelState, len(m.desires))
	for name, d := range m.desires {
		if d.current == nil {
			out[name] = StateClosed
			continue
		}
		out[name] = d.current.State()
	}
	return out
}

// Recover rebuilds every desired channel whose handle is gone or terminal.
// Returns the number of channels rebuilt.
func (m *Manager) Recover(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, d := range m.desires {
		if d.current != nil && d.current.live() {
			continue
		}
		m.buildLocked(ctx, d)
		n++
	}
	return n
}

// detach removes one subscriber; the last subscriber out tears the
// channel down and forgets the desire.
func (m *Manager) detach(ctx context.Context, d *desire, id int) {
	d.subs.remove(id)

	m.mu.Lock()
	if !d.subs.empty() {
		m.mu.Unlock()
		return
	}
	delete(m.desires, d.name)
	ch := d.current
	d.current = nil
	m.mu.Unlock()

	if ch != nil {
		ch.teardown(ctx)
	}
}

// UnsubscribeAll releases every channel and clears the registry. Called on
// sign-out or application shutdown.
func (m *Manager) UnsubscribeAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*Channel, 0, len(m.desires))
	for _, d := range m.desires {
		if d.current != nil {
			handles = append(handles, d.current)
		}
	}
	m.desires = make(map[string]*desire)
	m.mu.Unlock()

	for _, ch := range handles {
		ch.teardown(ctx)
	}
	for _, ch := range m.registry.Clear() {
		ch.teardown(ctx)
	}

	m.metrics.ActiveChannels.Set(0)
	m.log.Info("realtime.unsubscribe_all", "channels", len(handles))
}

// Subscription is one subscriber's attachment to a logical channel.
type Subscription struct {
	m    *Manager
	d    *desire
	id   int
	once sync.Once
}

// Channel returns the current live handle for this subscription's channel
// name, or nil after teardown.
func (s *Subscription) Channel() *Channel {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.d.current
}

// State reports the channel's lifecycle state.
func (s *Subscription) State() ChannelState {
	ch := s.Channel()
	if ch == nil {
		return StateClosed
	}
	return ch.State()
}

// Unsubscribe detaches this subscriber. The underlying connection is
// released when the last subscriber detaches. Idempotent.
func (s *Subscription) Unsubscribe(ctx context.Context) {
	s.once.Do(func() {
		s.m.detach(ctx, s.d, s.id)
	})
}

// PresenceSubscription is a Subscription on a presence channel with
// track/untrack controls and access to the aggregated snapshot.
type PresenceSubscription struct {
	Subscription
	base PresenceEntry
}

// Track re-announces presence, merging extra metadata into the payload.
// If the channel is still joining, the payload is announced on join.
func (s *PresenceSubscription) Track(ctx context.Context, extra map[string]any) error {
	entry := s.base
	if len(extra) > 0 {
		merged := make(map[string]any, len(entry.Meta)+len(extra))
		for k, v := range entry.Meta {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		entry.Meta = merged
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", ErrInvalidArgument, err)
	}

	s.m.mu.Lock()
	s.d.trackMeta = meta
	ch := s.d.current
	s.m.mu.Unlock()

	if ch == nil || !ch.live() {
		return fmt.Errorf("%w: %s", ErrChannelClosed, s.d.name)
	}
	if ch.State() != StateJoined {
		// Announced automatically once the join completes.
		return nil
	}
	return ch.track(ctx, meta)
}

// Untrack withdraws presence without closing the channel.
func (s *PresenceSubscription) Untrack(ctx context.Context) error {
	s.m.mu.Lock()
	s.d.trackMeta = nil
	ch := s.d.current
	s.m.mu.Unlock()

	if ch == nil || !ch.live() {
		return nil
	}
	return ch.untrack(ctx)
}

// PresenceState returns the last known aggregated snapshot.
func (s *PresenceSubscription) PresenceState() PresenceState {
	ch := s.Channel()
	if ch == nil || ch.presence == nil {
		return PresenceState{}
	}
	return ch.presence.snapshot()
}
