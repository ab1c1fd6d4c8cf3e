package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "campus/contracts/realtime/v1"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 6 * time.Second},
		{attempt: 5, want: 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(2*time.Second, tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(2s, %d)=%v want=%v", tc.attempt, got, tc.want)
		}
	}

	// Successive waits are strictly increasing.
	prev := time.Duration(0)
	for n := 1; n <= 5; n++ {
		d := backoffDelay(time.Second, n)
		if d <= prev {
			t.Fatalf("delay for attempt %d (%v) not greater than previous (%v)", n, d, prev)
		}
		prev = d
	}
}

// flakyTransport delegates to an inner transport but, while failing, hands
// out refs that error their subscription immediately.
type flakyTransport struct {
	inner Transport

	mu      sync.Mutex
	failing bool
}

func (f *flakyTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyTransport) OpenChannel(name string) (ChannelRef, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return failRef{}, nil
	}
	return f.inner.OpenChannel(name)
}

type failRef struct{}

func (failRef) OnBroadcast(string, BroadcastHandler) {}
func (failRef) OnPresence(PresenceSink)              {}
func (failRef) Subscribe(_ context.Context, status StatusFunc) error {
	if status != nil {
		status(StateErrored, ErrTransport)
	}
	return nil
}
func (failRef) Send(context.Context, string, string, []byte) error { return nil }
func (failRef) Track(context.Context, []byte) error                { return nil }
func (failRef) Untrack(context.Context) error                      { return nil }
func (failRef) Close() error                                       { return nil }

func newTestConnection(t *testing.T, transport Transport, opts ...ConnectionOption) (*Manager, *ConnectionManager) {
	t.Helper()

	m, err := NewManager(testLogger(), transport, WithSubscribeTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	base := []ConnectionOption{
		WithBackoffBase(5 * time.Millisecond),
		WithMaxAttempts(3),
		WithPollInterval(10 * time.Millisecond),
	}
	cm, err := NewConnectionManager(testLogger(), m, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	return m, cm
}

func TestConnectionManager_ConnectsWhenAllJoined(t *testing.T) {
	t.Parallel()

	m, cm := newTestConnection(t, NewMemoryBroker())

	sub, err := m.SetupCourseMessageChannel(context.Background(), "course-conn", MessageCallbacks{OnMessage: func(v1.ChatMessage) {}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)

	waitFor(t, "connected", func() bool { return cm.State() == ConnConnected })
	if sub.State() != StateJoined {
		t.Fatalf("expected joined channel, got %q", sub.State())
	}
	if cm.Attempts() != 0 {
		t.Fatalf("expected attempt counter reset, got %d", cm.Attempts())
	}
}

func TestConnectionManager_RecoversAfterTransportFailure(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	m, cm := newTestConnection(t, broker)

	var reconnects atomic.Int32
	cm.onReconnect = func() { reconnects.Add(1) }

	name := CourseMessagesChannel("course-recover")
	if _, err := m.SetupCourseMessageChannel(context.Background(), "course-recover", MessageCallbacks{OnMessage: func(v1.ChatMessage) {}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	waitFor(t, "connected", func() bool { return cm.State() == ConnConnected })

	broker.FailTopic(name)

	waitFor(t, "reconnected", func() bool {
		return cm.State() == ConnConnected && reconnects.Load() > 0
	})
	if cm.Attempts() != 0 {
		t.Fatalf("expected attempt counter reset after recovery, got %d", cm.Attempts())
	}
}

func TestConnectionManager_ErrorAfterMaxAttempts_ReconnectRecovers(t *testing.T) {
	t.Parallel()

	transport := &flakyTransport{inner: NewMemoryBroker(), failing: true}
	m, cm := newTestConnection(t, transport, WithMaxAttempts(2))

	var failed atomic.Int32
	cm.onReconnectFailed = func() { failed.Add(1) }

	if _, err := m.SetupCourseMessageChannel(context.Background(), "course-err", MessageCallbacks{OnMessage: func(v1.ChatMessage) {}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)

	waitFor(t, "error state", func() bool { return cm.State() == ConnError })
	if failed.Load() == 0 {
		t.Fatalf("expected reconnect-failed notification")
	}

	// The error state is sticky: automatic evaluation must not leave it.
	transport.setFailing(false)
	time.Sleep(50 * time.Millisecond)
	if got := cm.State(); got != ConnError {
		t.Fatalf("error state left without explicit Reconnect: %q", got)
	}

	cm.Reconnect(ctx)
	waitFor(t, "connected after reconnect", func() bool { return cm.State() == ConnConnected })
}

func TestConnectionManager_Disconnect(t *testing.T) {
	t.Parallel()

	m, cm := newTestConnection(t, NewMemoryBroker())

	if _, err := m.SetupCourseMessageChannel(context.Background(), "course-off", MessageCallbacks{OnMessage: func(v1.ChatMessage) {}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	waitFor(t, "connected", func() bool { return cm.State() == ConnConnected })

	cm.Disconnect(ctx)

	if got := cm.State(); got != ConnDisconnected {
		t.Fatalf("expected disconnected, got %q", got)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("expected all channels released on disconnect")
	}

	// Disconnected is sticky for the poll loop too.
	time.Sleep(50 * time.Millisecond)
	if got := cm.State(); got != ConnDisconnected {
		t.Fatalf("disconnected state left without explicit Reconnect: %q", got)
	}
}

func TestConnectionManager_DisconnectFromErrorThenReconnect(t *testing.T) {
	t.Parallel()

	transport := &flakyTransport{inner: NewMemoryBroker(), failing: true}
	m, cm := newTestConnection(t, transport, WithMaxAttempts(1))

	if _, err := m.SetupCourseMessageChannel(context.Background(), "course-seq", MessageCallbacks{OnMessage: func(v1.ChatMessage) {}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.Start(ctx)
	waitFor(t, "error state", func() bool { return cm.State() == ConnError })

	// Disconnect is legal from every state, including error.
	cm.Disconnect(ctx)
	if got := cm.State(); got != ConnDisconnected {
		t.Fatalf("expected disconnected, got %q", got)
	}
	if cm.Attempts() != 0 {
		t.Fatalf("expected attempt counter reset, got %d", cm.Attempts())
	}
}
