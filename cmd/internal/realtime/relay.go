package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "campus/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	relayDefaultOriginRequired = true
	relayDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Relay is the WebSocket fan-out server for Campus realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes into per-topic membership,
// broadcast, and presence aggregation.
type Relay struct {
	log     *slog.Logger
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	mu     sync.RWMutex
	topics map[string]*relayTopic
}

// NewRelay constructs a relay with secure defaults, reading overrides from
// CAMPUS_RELAY_* environment keys.
func NewRelay(log *slog.Logger, metrics *Metrics) *Relay {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	r := &Relay{log: log, metrics: metrics, topics: make(map[string]*relayTopic)}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	r.devInsecure = envBoolRelay("CAMPUS_RELAY_DEV_INSECURE", false)

	r.originRequired = envBoolRelay("CAMPUS_RELAY_ORIGIN_REQUIRED", relayDefaultOriginRequired)
	r.allowedOrigins = envCSVRelay("CAMPUS_RELAY_ALLOWED_ORIGINS", relayDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	r.originPatterns = deriveOriginPatternsFromAllowedOrigins(r.allowedOrigins)

	r.writeTimeout = envDurationRelay("CAMPUS_RELAY_WRITE_TIMEOUT", defaultWriteTimeout)
	r.readIdleTimeout = envDurationRelay("CAMPUS_RELAY_READ_IDLE_TIMEOUT", defaultReadIdle)

	r.sendQueueSize = envIntRelay("CAMPUS_RELAY_SEND_QUEUE", defaultSendQueueSize)
	if r.sendQueueSize < minSendQueueSize {
		r.sendQueueSize = minSendQueueSize
	}

	r.heartbeatEvery = envDurationRelay("CAMPUS_RELAY_HEARTBEAT_INTERVAL", heartbeatInterval)
	r.heartbeatTimeout = envDurationRelay("CAMPUS_RELAY_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	r.rateEvents = envIntRelay("CAMPUS_RELAY_RATE_EVENTS", rateLimitEvents)
	r.rateWindow = envDurationRelay("CAMPUS_RELAY_RATE_WINDOW", rateLimitWindow)

	return r
}

// ServeHTTP adapter so the relay can be mounted as http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.HandleWS(w, req)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// relay loop.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	if err := r.enforceOrigin(req); err != nil {
		r.log.Info("relay.reject.origin", "err", err, "origin", req.Header.Get("Origin"), "remote", req.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: r.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: r.devInsecure,
	})
	if err != nil {
		r.log.Error("relay.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		r.log.Info("relay.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(relayMaxFrameBytes)

	sessionKey := newSessionKey()
	client := newRelayClient(sessionKey, r.sendQueueSize)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.send.
	// Fan-out safety: client.send remains open and membership removal
	// happens before client.close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			r.leaveAll(client)
			client.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := newFrameLimiter(r.rateEvents, r.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case env := <-client.send:
				if err := writeRelayEnvelope(ctx, conn, env, r.writeTimeout); err != nil {
					r.log.Info("relay.write.fail", "session_key", sessionKey, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(r.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, r.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					r.log.Info("relay.ping.fail", "session_key", sessionKey, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, r.readIdleTimeout)
		env, err := readRelayEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				r.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				r.log.Info("relay.read.fail", "session_key", sessionKey, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.allow(now) {
			r.trySendError(ctx, client, "", "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			r.trySendError(ctx, client, env.Topic, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			r.onSubscribe(ctx, client, env.Topic)

		case v1.TypeUnsubscribe:
			r.onUnsubscribe(client, env.Topic)

		case v1.TypeBroadcast:
			if err := r.onBroadcast(client, env); err != nil {
				r.trySendError(ctx, client, env.Topic, "broadcast_failed", err.Error())
			}

		case v1.TypePresenceTrack:
			if err := r.onTrack(client, env); err != nil {
				r.trySendError(ctx, client, env.Topic, "track_failed", err.Error())
			}

		case v1.TypePresenceUntrack:
			if err := r.onUntrack(client, env.Topic); err != nil {
				r.trySendError(ctx, client, env.Topic, "untrack_failed", err.Error())
			}

		default:
			r.trySendError(ctx, client, env.Topic, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// ---- handlers ----

func (r *Relay) onSubscribe(ctx context.Context, client *relayClient, topic string) {
	t := r.getOrCreateTopic(topic)
	t.join(client)
	client.remember(t)

	ackPayload, _ := json.Marshal(v1.SubscribeAckPayload{SessionKey: client.sessionKey})
	client.trySend(newRelayEnvelope(v1.TypeSubscribeAck, topic, ackPayload))

	// New members start from the full presence snapshot.
	if state := t.presenceState(); len(state) > 0 {
		p, _ := json.Marshal(v1.PresenceStatePayload{State: state})
		client.trySend(newRelayEnvelope(v1.TypePresenceState, topic, p))
	}

	r.log.Info("relay.topic.join", "topic", topic, "session_key", client.sessionKey)
}

func (r *Relay) onUnsubscribe(client *relayClient, topic string) {
	r.mu.RLock()
	t := r.topics[topic]
	r.mu.RUnlock()
	if t == nil {
		return
	}

	r.leaveTopic(client, t)
	client.forget(topic)
	r.log.Info("relay.topic.leave", "topic", topic, "session_key", client.sessionKey)
}

func (r *Relay) onBroadcast(client *relayClient, env v1.Envelope) error {
	r.mu.RLock()
	t := r.topics[env.Topic]
	r.mu.RUnlock()
	if t == nil || !t.isMember(client.sessionKey) {
		return errors.New("not subscribed")
	}

	var p v1.BroadcastPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.Event) == "" {
		return errors.New("missing event")
	}

	out := newRelayEnvelope(v1.TypeBroadcast, env.Topic, env.Payload)
	sent, dropped := t.fanout(out, client.sessionKey)
	r.metrics.BroadcastsSent.Add(float64(sent))
	r.metrics.BroadcastsDropped.Add(float64(dropped))
	return nil
}

func (r *Relay) onTrack(client *relayClient, env v1.Envelope) error {
	r.mu.RLock()
	t := r.topics[env.Topic]
	r.mu.RUnlock()
	if t == nil || !t.isMember(client.sessionKey) {
		return errors.New("not subscribed")
	}

	var p v1.PresenceTrackPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	key := strings.TrimSpace(p.Key)
	if key == "" {
		key = client.sessionKey
	}
	if len(p.Meta) == 0 {
		return errors.New("missing meta")
	}

	joined := t.track(client.sessionKey, key, p.Meta)
	if joined {
		diff, _ := json.Marshal(v1.PresenceDiffPayload{
			Event: v1.PresenceJoin,
			Key:   key,
			Metas: []json.RawMessage{p.Meta},
		})
		t.fanout(newRelayEnvelope(v1.TypePresenceDiff, env.Topic, diff), client.sessionKey)
		r.metrics.PresenceJoins.Inc()
	}

	state, _ := json.Marshal(v1.PresenceStatePayload{State: t.presenceState()})
	t.fanout(newRelayEnvelope(v1.TypePresenceState, env.Topic, state), "")
	return nil
}

func (r *Relay) onUntrack(client *relayClient, topic string) error {
	r.mu.RLock()
	t := r.topics[topic]
	r.mu.RUnlock()
	if t == nil || !t.isMember(client.sessionKey) {
		return errors.New("not subscribed")
	}

	r.withdrawPresence(client, t)
	return nil
}

// withdrawPresence removes every presence entry owned by the session on
// the topic and fans out the resulting diffs and snapshot.
func (r *Relay) withdrawPresence(client *relayClient, t *relayTopic) {
	removed := t.untrack(client.sessionKey)
	if len(removed) == 0 {
		return
	}

	for key, meta := range removed {
		diff, _ := json.Marshal(v1.PresenceDiffPayload{
			Event: v1.PresenceLeave,
			Key:   key,
			Metas: []json.RawMessage{meta},
		})
		t.fanout(newRelayEnvelope(v1.TypePresenceDiff, t.name, diff), client.sessionKey)
	}
	r.metrics.PresenceLeaves.Add(float64(len(removed)))

	state, _ := json.Marshal(v1.PresenceStatePayload{State: t.presenceState()})
	t.fanout(newRelayEnvelope(v1.TypePresenceState, t.name, state), "")
}

func (r *Relay) leaveTopic(client *relayClient, t *relayTopic) {
	r.withdrawPresence(client, t)
	if t.leave(client.sessionKey) == 0 {
		r.mu.Lock()
		if cur := r.topics[t.name]; cur == t && cur.memberCount() == 0 {
			delete(r.topics, t.name)
		}
		r.mu.Unlock()
	}
}

func (r *Relay) leaveAll(client *relayClient) {
	for _, t := range client.joinedTopics() {
		r.leaveTopic(client, t)
	}
}

func (r *Relay) getOrCreateTopic(name string) *relayTopic {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[name]; ok {
		return t
	}
	t := &relayTopic{
		name:     name,
		members:  make(map[string]*relayClient),
		presence: make(map[string]map[string]json.RawMessage),
	}
	r.topics[name] = t
	return t
}

// ---- send helpers ----

func (r *Relay) trySendError(ctx context.Context, client *relayClient, topic, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newRelayEnvelope(v1.TypeError, topic, p)
	select {
	case <-ctx.Done():
	default:
		client.trySend(env)
	}
}

func newRelayEnvelope(typ, topic string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		Topic:   topic,
		Ref:     newRandomHex(8),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

// ---- topic ----

// relayTopic is membership + fan-out + presence aggregation for one topic.
//
// Concurrency guarantees:
// - join/leave are safe under concurrent fanout.
// - fanout never blocks (drops under backpressure).
// - fanout is panic-safe because relayClient.send is never closed by the server.
type relayTopic struct {
	name string

	mu      sync.RWMutex
	members map[string]*relayClient
	// presence key -> owning session key -> tracked meta.
	presence map[string]map[string]json.RawMessage
}

func (t *relayTopic) join(client *relayClient) {
	t.mu.Lock()
	t.members[client.sessionKey] = client
	t.mu.Unlock()
}

// leave removes the session and reports the remaining member count.
func (t *relayTopic) leave(sessionKey string) int {
	t.mu.Lock()
	delete(t.members, sessionKey)
	n := len(t.members)
	t.mu.Unlock()
	return n
}

func (t *relayTopic) isMember(sessionKey string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[sessionKey]
	return ok
}

func (t *relayTopic) memberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// track records a presence meta and reports whether the key newly joined.
func (t *relayTopic) track(sessionKey, key string, meta json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	owners := t.presence[key]
	if owners == nil {
		owners = make(map[string]json.RawMessage)
		t.presence[key] = owners
	}
	joined := len(owners) == 0
	owners[sessionKey] = meta
	return joined
}

// untrack removes every presence entry owned by the session and returns
// the keys that became empty, with their last meta.
func (t *relayTopic) untrack(sessionKey string) map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make(map[string]json.RawMessage)
	for key, owners := range t.presence {
		meta, ok := owners[sessionKey]
		if !ok {
			continue
		}
		delete(owners, sessionKey)
		if len(owners) == 0 {
			delete(t.presence, key)
			removed[key] = meta
		}
	}
	return removed
}

func (t *relayTopic) presenceState() map[string][]json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := make(map[string][]json.RawMessage, len(t.presence))
	for key, owners := range t.presence {
		metas := make([]json.RawMessage, 0, len(owners))
		for _, m := range owners {
			metas = append(metas, m)
		}
		state[key] = metas
	}
	return state
}

// fanout sends env to every member except skipSession (empty means all).
// Non-blocking: members with full queues are skipped.
func (t *relayTopic) fanout(env v1.Envelope, skipSession string) (sent, dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for key, m := range t.members {
		if key == skipSession {
			continue
		}
		if m.trySend(env) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

// ---- client ----

// relayClient represents one connected websocket session.
//
// - send is intentionally NOT closed by the server to avoid panics from
//   concurrent fanout.
// - done signals goroutines to stop; close is idempotent.
type relayClient struct {
	sessionKey string
	send       chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]*relayTopic
}

func newRelayClient(sessionKey string, sendQueueSize int) *relayClient {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &relayClient{
		sessionKey: sessionKey,
		send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		joined:     make(map[string]*relayTopic),
	}
}

func (c *relayClient) remember(t *relayTopic) {
	c.mu.Lock()
	c.joined[t.name] = t
	c.mu.Unlock()
}

func (c *relayClient) forget(topic string) {
	c.mu.Lock()
	delete(c.joined, topic)
	c.mu.Unlock()
}

func (c *relayClient) joinedTopics() []*relayTopic {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*relayTopic, 0, len(c.joined))
	for _, t := range c.joined {
		out = append(out, t)
	}
	return out
}

// trySend enqueues without blocking. Shut-down or saturated clients drop.
func (c *relayClient) trySend(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ---- envelope IO ----

func readRelayEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeRelayEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (r *Relay) enforceOrigin(req *http.Request) error {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		if r.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(r.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range r.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolRelay(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntRelay(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationRelay(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVRelay(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
