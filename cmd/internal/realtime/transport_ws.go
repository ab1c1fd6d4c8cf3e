package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "campus/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// WSTransport is a Transport backed by one websocket connection to a relay.
// All topics multiplex over the single connection; a connection-level
// failure errors every open channel at once, and the next OpenChannel
// redials.
type WSTransport struct {
	log *slog.Logger
	url string

	dialTimeout      time.Duration
	writeTimeout     time.Duration
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	chans map[string]*wsChannel
	sendQ chan v1.Envelope
	stop  chan struct{}
}

// WSTransportOption configures a WSTransport.
type WSTransportOption func(*WSTransport) error

// WithWSWriteTimeout bounds individual frame writes.
func WithWSWriteTimeout(d time.Duration) WSTransportOption {
	return func(t *WSTransport) error {
		if d <= 0 {
			return errors.New("realtime: non-positive write timeout")
		}
		t.writeTimeout = d
		return nil
	}
}

// WithWSHeartbeat sets the ping interval and per-ping timeout.
func WithWSHeartbeat(every, timeout time.Duration) WSTransportOption {
	return func(t *WSTransport) error {
		if every <= 0 || timeout <= 0 {
			return errors.New("realtime: non-positive heartbeat setting")
		}
		t.heartbeatEvery = every
		t.heartbeatTimeout = timeout
		return nil
	}
}

// NewWSTransport constructs a transport for the given relay URL. The
// connection is established lazily on the first OpenChannel subscribe.
func NewWSTransport(log *slog.Logger, url string, opts ...WSTransportOption) (*WSTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		return nil, fmt.Errorf("%w: missing relay url", ErrInvalidArgument)
	}

	t := &WSTransport{
		log:              log,
		url:              url,
		dialTimeout:      defaultWriteTimeout,
		writeTimeout:     defaultWriteTimeout,
		heartbeatEvery:   heartbeatInterval,
		heartbeatTimeout: heartbeatTimeout,
		chans:            make(map[string]*wsChannel),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OpenChannel returns a ref for the topic. At most one ref per topic may be
// live at a time; opening a topic that already has a ref replaces it.
func (t *WSTransport) OpenChannel(name string) (ChannelRef, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}

	ch := &wsChannel{
		t:        t,
		topic:    name,
		handlers: make(map[string][]BroadcastHandler),
		queue:    make(chan func(), channelQueueSize),
		done:     make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

// Close drops the connection and errors every open channel.
func (t *WSTransport) Close() error {
	t.fail(errors.New("transport closed"))
	return nil
}

// ensureConn dials the relay if no connection is live. Caller must not hold
// t.mu.
func (t *WSTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, t.url, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: relay offered subprotocol %q", ErrTransport, sp)
	}
	conn.SetReadLimit(relayMaxFrameBytes)

	t.mu.Lock()
	if t.conn != nil {
		// Lost the dial race; keep the existing connection.
		existing := t.conn
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return existing, nil
	}
	t.conn = conn
	t.sendQ = make(chan v1.Envelope, defaultSendQueueSize)
	t.stop = make(chan struct{})
	sendQ, stop := t.sendQ, t.stop
	t.mu.Unlock()

	go t.readLoop(conn, stop)
	go t.writeLoop(conn, sendQ, stop)
	go t.heartbeat(conn, stop)

	t.log.Info("realtime.ws.connected", "url", t.url)
	return conn, nil
}

// fail tears the connection down and delivers an errored status to every
// channel that was multiplexed over it.
func (t *WSTransport) fail(cause error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	close(t.stop)
	dead := t.chans
	t.chans = make(map[string]*wsChannel)
	t.mu.Unlock()

	_ = conn.Close(websocket.StatusAbnormalClosure, "transport failure")
	t.log.Info("realtime.ws.down", "err", cause)

	err := fmt.Errorf("%w: %v", ErrTransport, cause)
	for _, ch := range dead {
		ch.transportDown(err)
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.fail(err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Info("realtime.ws.bad_frame", "err", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) writeLoop(conn *websocket.Conn, sendQ <-chan v1.Envelope, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-sendQ:
			b, err := json.Marshal(env)
			if err != nil {
				t.log.Info("realtime.ws.marshal_fail", "type", env.Type, "err", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
			err = conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *WSTransport) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	tick := time.NewTicker(t.heartbeatEvery)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.heartbeatTimeout)
			err := conn.Ping(ctx)
			cancel()

			if err != nil {
				failures++
				t.log.Info("realtime.ws.ping_fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					t.fail(err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (t *WSTransport) dispatch(env v1.Envelope) {
	t.mu.Lock()
	ch := t.chans[env.Topic]
	t.mu.Unlock()
	if ch == nil {
		return
	}

	switch env.Type {
	case v1.TypeSubscribeAck:
		var p v1.SubscribeAckPayload
		_ = json.Unmarshal(env.Payload, &p)
		ch.acked(p.SessionKey)

	case v1.TypeBroadcast:
		var p v1.BroadcastPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		ch.deliverBroadcast(p.Event, []byte(p.Data))

	case v1.TypePresenceState:
		var p v1.PresenceStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		state := make(map[string][][]byte, len(p.State))
		for k, metas := range p.State {
			state[k] = rawMetas(metas)
		}
		ch.deliverSync(state)

	case v1.TypePresenceDiff:
		var p v1.PresenceDiffPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		switch p.Event {
		case v1.PresenceJoin:
			ch.deliverJoin(p.Key, rawMetas(p.Metas))
		case v1.PresenceLeave:
			ch.deliverLeave(p.Key, rawMetas(p.Metas))
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		t.log.Info("realtime.ws.relay_error", "topic", env.Topic, "code", p.Code, "msg", p.Message)
	}
}

func rawMetas(in []json.RawMessage) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, m := range in {
		out = append(out, []byte(m))
	}
	return out
}

// send enqueues an envelope for the writer, failing fast on backpressure.
func (t *WSTransport) send(env v1.Envelope) error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	sendQ, stop := t.sendQ, t.stop
	t.mu.Unlock()

	select {
	case sendQ <- env:
		return nil
	case <-stop:
		return fmt.Errorf("%w: not connected", ErrTransport)
	default:
		return fmt.Errorf("%w: send queue full", ErrTransport)
	}
}

type wsChannel struct {
	t     *WSTransport
	topic string

	mu         sync.Mutex
	handlers   map[string][]BroadcastHandler
	sink       PresenceSink
	status     StatusFunc
	sessionKey string
	joined     bool

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsChannel) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

func (c *wsChannel) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	default:
	}
}

func (c *wsChannel) OnBroadcast(event string, h BroadcastHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

func (c *wsChannel) OnPresence(sink PresenceSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *wsChannel) deliverBroadcast(event string, payload []byte) {
	c.mu.Lock()
	hs := append([]BroadcastHandler(nil), c.handlers[event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		return
	}
	c.enqueue(func() {
		for _, h := range hs {
			h(event, payload)
		}
	})
}

func (c *wsChannel) deliverSync(state map[string][][]byte) {
	sink := c.sinkFn()
	if sink.Sync == nil {
		return
	}
	c.enqueue(func() { sink.Sync(state) })
}

func (c *wsChannel) deliverJoin(key string, metas [][]byte) {
	sink := c.sinkFn()
	if sink.Join == nil {
		return
	}
	c.enqueue(func() { sink.Join(key, metas) })
}

func (c *wsChannel) deliverLeave(key string, metas [][]byte) {
	sink := c.sinkFn()
	if sink.Leave == nil {
		return
	}
	c.enqueue(func() { sink.Leave(key, metas) })
}

func (c *wsChannel) sinkFn() PresenceSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *wsChannel) Subscribe(ctx context.Context, status StatusFunc) error {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	if _, err := c.t.ensureConn(ctx); err != nil {
		return err
	}

	c.t.mu.Lock()
	c.t.chans[c.topic] = c
	c.t.mu.Unlock()

	return c.t.send(c.envelope(v1.TypeSubscribe, nil))
}

func (c *wsChannel) Send(ctx context.Context, event, id string, data []byte) error {
	p, err := json.Marshal(v1.BroadcastPayload{Event: event, ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return c.t.send(c.envelope(v1.TypeBroadcast, p))
}

func (c *wsChannel) Track(ctx context.Context, meta []byte) error {
	p, err := json.Marshal(v1.PresenceTrackPayload{Meta: meta})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return c.t.send(c.envelope(v1.TypePresenceTrack, p))
}

func (c *wsChannel) Untrack(ctx context.Context) error {
	return c.t.send(c.envelope(v1.TypePresenceUntrack, nil))
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.t.mu.Lock()
		if c.t.chans[c.topic] == c {
			delete(c.t.chans, c.topic)
		}
		c.t.mu.Unlock()

		// Best effort; the relay also cleans up on disconnect.
		_ = c.t.send(c.envelope(v1.TypeUnsubscribe, nil))
		close(c.done)
	})
	return nil
}

func (c *wsChannel) envelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		Topic:   c.topic,
		Ref:     newRandomHex(8),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func (c *wsChannel) acked(sessionKey string) {
	c.mu.Lock()
	c.sessionKey = sessionKey
	already := c.joined
	c.joined = true
	status := c.status
	c.mu.Unlock()

	if already || status == nil {
		return
	}
	c.enqueue(func() { status(StateJoined, nil) })
}

// transportDown errors the channel and stops its dispatcher. The status is
// delivered synchronously so it cannot be lost to dispatcher shutdown.
func (c *wsChannel) transportDown(err error) {
	if status := c.statusFn(); status != nil {
		status(StateErrored, err)
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsChannel) statusFn() StatusFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
