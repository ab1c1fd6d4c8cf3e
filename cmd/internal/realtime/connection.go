package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the aggregate connection state exposed to the UI layer.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnError        ConnState = "error"
)

// backoffDelay computes the wait before reconnect attempt n (1-based).
// Delays grow linearly with the attempt number, so successive waits are
// strictly increasing.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// ConnectionManager tracks aggregate channel health and drives
// reconnection with bounded backoff.
//
// Health tracking is event-driven: the Manager reports every channel
// state change through a hook. A coarse periodic poll remains as a
// fallback sweep for transports that never emit a status event.
type ConnectionManager struct {
	log     *slog.Logger
	mgr     *Manager
	metrics *Metrics

	baseDelay   time.Duration
	maxAttempts int
	pollEvery   time.Duration

	onReconnect       func()
	onReconnectFailed func()

	mu       sync.Mutex
	state    ConnState
	attempts int
	retry    *time.Timer
	started  bool
	ctx      context.Context
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager) error

// WithBackoffBase sets the base delay for reconnect scheduling.
func WithBackoffBase(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) error {
		if d <= 0 {
			return errors.New("realtime: non-positive backoff base")
		}
		cm.baseDelay = d
		return nil
	}
}

// WithMaxAttempts bounds automatic reconnection attempts.
func WithMaxAttempts(n int) ConnectionOption {
	return func(cm *ConnectionManager) error {
		if n <= 0 {
			return errors.New("realtime: non-positive max attempts")
		}
		cm.maxAttempts = n
		return nil
	}
}

// WithPollInterval sets the fallback health sweep interval.
func WithPollInterval(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) error {
		if d <= 0 {
			return errors.New("realtime: non-positive poll interval")
		}
		cm.pollEvery = d
		return nil
	}
}

// WithConnectionMetrics supplies the instrumentation set.
func WithConnectionMetrics(metrics *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) error {
		if metrics == nil {
			return errors.New("realtime: nil metrics")
		}
		cm.metrics = metrics
		return nil
	}
}

// WithReconnectCallbacks registers the success/failure notifications.
func WithReconnectCallbacks(onReconnect, onFailed func()) ConnectionOption {
	return func(cm *ConnectionManager) error {
		cm.onReconnect = onReconnect
		cm.onReconnectFailed = onFailed
		return nil
	}
}

// NewConnectionManager constructs a ConnectionManager over mgr.
func NewConnectionManager(log *slog.Logger, mgr *Manager, opts ...ConnectionOption) (*ConnectionManager, error) {
	if log == nil {
		log = slog.Default()
	}
	if mgr == nil {
		return nil, errors.New("realtime: nil manager")
	}

	cm := &ConnectionManager{
		log:         log,
		mgr:         mgr,
		metrics:     mgr.metrics,
		baseDelay:   defaultBackoffBase,
		maxAttempts: defaultMaxReconnectAttempts,
		pollEvery:   defaultPollInterval,
		state:       ConnDisconnected,
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cm); err != nil {
			return nil, err
		}
	}
	return cm, nil
}

// Start initializes the manager: disconnected -> connecting. It registers
// the channel-state hook and launches the fallback poll loop, which exits
// when ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return
	}
	cm.started = true
	cm.state = ConnConnecting
	cm.ctx = ctx
	cm.mu.Unlock()

	cm.setGauge()
	cm.log.Info("realtime.conn.start")

	cm.mgr.OnChannelState(func(name string, state ChannelState) {
		cm.evaluate()
	})
	go cm.pollLoop(ctx)
	cm.evaluate()
}

// State returns the current aggregate connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Attempts returns the current reconnect attempt counter.
func (cm *ConnectionManager) Attempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// Disconnect is always legal: it terminates any pending reconnect timer,
// resets the attempt counter, tears down every channel, and leaves the
// machine disconnected.
func (cm *ConnectionManager) Disconnect(ctx context.Context) {
	cm.mu.Lock()
	cm.stopRetryLocked()
	cm.state = ConnDisconnected
	cm.attempts = 0
	cm.mu.Unlock()

	cm.setGauge()
	cm.mgr.UnsubscribeAll(ctx)
	cm.log.Info("realtime.conn.disconnect")
}

// Reconnect resets the attempt counter and re-enters connecting. Legal from
// any state; it is the only way out of the error state.
func (cm *ConnectionManager) Reconnect(ctx context.Context) {
	cm.mu.Lock()
	cm.stopRetryLocked()
	cm.state = ConnConnecting
	cm.attempts = 0
	cm.mu.Unlock()

	cm.setGauge()
	cm.log.Info("realtime.conn.reconnect")

	if n := cm.mgr.Recover(ctx); n > 0 {
		cm.log.Info("realtime.conn.recover", "rebuilt", n)
	}
	cm.evaluate()
}

func (cm *ConnectionManager) stopRetryLocked() {
	if cm.retry != nil {
		cm.retry.Stop()
		cm.retry = nil
	}
}

func (cm *ConnectionManager) pollLoop(ctx context.Context) {
	t := time.NewTicker(cm.pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cm.evaluate()
		}
	}
}

// evaluate reads aggregate channel health and applies the state machine.
// Disconnected and error are only left through the explicit controls.
func (cm *ConnectionManager) evaluate() {
	snap := cm.mgr.Snapshot()

	cm.mu.Lock()
	if !cm.started || cm.state == ConnDisconnected || cm.state == ConnError {
		cm.mu.Unlock()
		return
	}
	if len(snap) == 0 {
		// No channels exist; nothing to watch or repair.
		cm.mu.Unlock()
		return
	}

	allJoined := true
	for _, s := range snap {
		if s != StateJoined {
			allJoined = false
			break
		}
	}

	if allJoined {
		reconnected := cm.attempts > 0
		becameConnected := cm.state != ConnConnected
		cm.state = ConnConnected
		cm.attempts = 0
		cm.stopRetryLocked()
		cb := cm.onReconnect
		cm.mu.Unlock()

		cm.setGauge()
		if becameConnected {
			cm.log.Info("realtime.conn.connected")
		}
		if reconnected && cb != nil {
			cb()
		}
		return
	}

	if cm.state == ConnConnected {
		cm.state = ConnConnecting
		cm.log.Info("realtime.conn.degraded")
	}
	if cm.retry != nil {
		// A retry is already pending.
		cm.mu.Unlock()
		return
	}

	if cm.attempts >= cm.maxAttempts {
		cm.state = ConnError
		cb := cm.onReconnectFailed
		cm.mu.Unlock()

		cm.setGauge()
		cm.log.Info("realtime.conn.error", "attempts", cm.maxAttempts)
		if cb != nil {
			cb()
		}
		return
	}

	cm.attempts++
	attempt := cm.attempts
	delay := backoffDelay(cm.baseDelay, attempt)
	cm.retry = time.AfterFunc(delay, cm.retryFire)
	cm.mu.Unlock()

	cm.metrics.ReconnectAttempts.Inc()
	cm.setGauge()
	cm.log.Info("realtime.conn.retry_scheduled", "attempt", attempt, "delay", delay)
}

func (cm *ConnectionManager) retryFire() {
	cm.mu.Lock()
	cm.retry = nil
	if cm.state != ConnConnecting {
		cm.mu.Unlock()
		return
	}
	ctx := cm.ctx
	cm.mu.Unlock()

	if n := cm.mgr.Recover(ctx); n > 0 {
		cm.log.Info("realtime.conn.recover", "rebuilt", n)
	}
	cm.evaluate()
}

func (cm *ConnectionManager) setGauge() {
	var v float64
	switch cm.State() {
	case ConnDisconnected:
		v = 0
	case ConnConnecting:
		v = 1
	case ConnConnected:
		v = 2
	case ConnError:
		v = 3
	}
	cm.metrics.ConnectionState.Set(v)
}
