package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusEvent struct {
	state ChannelState
	err   error
}

func subscribeMem(t *testing.T, b *MemoryBroker, topic string) (ChannelRef, chan statusEvent) {
	t.Helper()

	ref, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	statuses := make(chan statusEvent, 8)
	if err := ref.Subscribe(context.Background(), func(state ChannelState, serr error) {
		statuses <- statusEvent{state: state, err: serr}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitStatus(t, statuses, StateJoined)
	return ref, statuses
}

func waitStatus(t *testing.T, statuses chan statusEvent, want ChannelState) statusEvent {
	t.Helper()
	select {
	case ev := <-statuses:
		if ev.state != want {
			t.Fatalf("status=%q want=%q (err=%v)", ev.state, want, ev.err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %q", want)
		return statusEvent{}
	}
}

func recvPayload(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
		return nil
	}
}

func TestMemoryBroker_BroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	topic := CourseMessagesChannel("course-mem-1")

	senderGot := make(chan []byte, 4)
	receiverGot := make(chan []byte, 4)

	sender, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	sender.OnBroadcast("ping", func(_ string, payload []byte) { senderGot <- payload })
	if err := sender.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	receiver, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	receiver.OnBroadcast("ping", func(_ string, payload []byte) { receiverGot <- payload })
	if err := receiver.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sender.Send(context.Background(), "ping", "id-1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := string(recvPayload(t, receiverGot)); got != `{"n":1}` {
		t.Fatalf("receiver payload mismatch: %q", got)
	}
	select {
	case p := <-senderGot:
		t.Fatalf("sender received its own broadcast: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBroker_SendBeforeSubscribeFails(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	ref, err := b.OpenChannel(CourseMessagesChannel("course-mem-2"))
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer func() { _ = ref.Close() }()

	err = ref.Send(context.Background(), "ping", "id-1", nil)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestMemoryBroker_PresenceTrackAndUntrack(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	topic := CoursePresenceChannel("course-mem-3")

	type syncEvent map[string][][]byte
	aSyncs := make(chan syncEvent, 8)
	bJoins := make(chan string, 8)
	bLeaves := make(chan string, 8)
	bSyncs := make(chan syncEvent, 8)

	refA, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	refA.OnPresence(PresenceSink{
		Sync: func(state map[string][][]byte) { aSyncs <- state },
	})
	if err := refA.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	refB, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	refB.OnPresence(PresenceSink{
		Sync:  func(state map[string][][]byte) { bSyncs <- state },
		Join:  func(key string, _ [][]byte) { bJoins <- key },
		Leave: func(key string, _ [][]byte) { bLeaves <- key },
	})
	if err := refB.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := refA.Track(context.Background(), []byte(`{"user_id":"alice"}`)); err != nil {
		t.Fatalf("Track: %v", err)
	}

	select {
	case <-bJoins:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the join diff")
	}
	select {
	case state := <-bSyncs:
		if len(state) != 1 {
			t.Fatalf("expected 1 tracked key, got %d", len(state))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the sync")
	}
	// The tracking member sees its own entry in the snapshot too.
	select {
	case state := <-aSyncs:
		if len(state) != 1 {
			t.Fatalf("expected 1 tracked key in own sync, got %d", len(state))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tracker never observed the sync")
	}

	if err := refA.Untrack(context.Background()); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	select {
	case <-bLeaves:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the leave diff")
	}
	select {
	case state := <-bSyncs:
		if len(state) != 0 {
			t.Fatalf("expected empty state after untrack, got %d keys", len(state))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed the post-untrack sync")
	}
}

func TestMemoryBroker_CloseWithdrawsPresence(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	topic := CoursePresenceChannel("course-mem-4")

	leaves := make(chan string, 4)

	refA, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := refA.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := refA.Track(context.Background(), []byte(`{"user_id":"alice"}`)); err != nil {
		t.Fatalf("Track: %v", err)
	}

	refB, err := b.OpenChannel(topic)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	refB.OnPresence(PresenceSink{
		Leave: func(key string, _ [][]byte) { leaves <- key },
	})
	if err := refB.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := refA.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-leaves:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed leave after close")
	}
}

func TestMemoryBroker_FailTopicErrorsMembers(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker()
	topic := CourseMessagesChannel("course-mem-5")

	_, statuses := subscribeMem(t, b, topic)

	b.FailTopic(topic)

	ev := waitStatus(t, statuses, StateErrored)
	if !errors.Is(ev.err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", ev.err)
	}
}
