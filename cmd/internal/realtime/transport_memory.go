package realtime

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Transport. Every ChannelRef opened for the
// same topic name joins one fan-out group; broadcasts reach every other
// member, presence is replicated to all members. Delivery to each member
// runs on that member's own dispatch goroutine behind a bounded queue, and
// events are dropped rather than blocking the sender when a member falls
// behind.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memTopic)}
}

// OpenChannel creates a new ref for the named topic. The ref joins the
// topic only when Subscribe is called.
func (b *MemoryBroker) OpenChannel(name string) (ChannelRef, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}

	ch := &memChannel{
		broker:     b,
		name:       name,
		sessionKey: newSessionKey(),
		handlers:   make(map[string][]BroadcastHandler),
		queue:      make(chan func(), channelQueueSize),
		done:       make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

// FailTopic simulates a transport-side failure of one topic: every member
// observes an errored status and is detached. Intended for tests of
// recovery behavior.
func (b *MemoryBroker) FailTopic(name string) {
	b.mu.Lock()
	t := b.topics[name]
	if t == nil {
		b.mu.Unlock()
		return
	}
	members := make([]*memChannel, 0, len(t.members))
	for m := range t.members {
		members = append(members, m)
		m.joined = false
	}
	delete(b.topics, name)
	b.mu.Unlock()

	for _, m := range members {
		status := m.statusFn()
		if status == nil {
			continue
		}
		m.enqueue(func() { status(StateErrored, ErrTransport) })
	}
}

func (b *MemoryBroker) topicLocked(name string) *memTopic {
	t := b.topics[name]
	if t == nil {
		t = &memTopic{name: name, members: make(map[*memChannel]struct{})}
		b.topics[name] = t
	}
	return t
}

type memTopic struct {
	name    string
	members map[*memChannel]struct{}
}

// stateLocked snapshots the tracked presence metas of every member,
// keyed by session key. Caller holds the broker mutex.
func (t *memTopic) stateLocked() map[string][][]byte {
	state := make(map[string][][]byte)
	for m := range t.members {
		if m.tracked == nil {
			continue
		}
		meta := make([]byte, len(m.tracked))
		copy(meta, m.tracked)
		state[m.sessionKey] = [][]byte{meta}
	}
	return state
}

type memChannel struct {
	broker     *MemoryBroker
	name       string
	sessionKey string

	mu       sync.Mutex
	handlers map[string][]BroadcastHandler
	sink     PresenceSink
	status   StatusFunc

	// joined and tracked are guarded by broker.mu.
	joined  bool
	tracked []byte

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memChannel) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

// enqueue hands fn to the dispatch goroutine, dropping it when the queue
// is full.
func (c *memChannel) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	default:
	}
}

func (c *memChannel) OnBroadcast(event string, h BroadcastHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

func (c *memChannel) OnPresence(sink PresenceSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *memChannel) statusFn() StatusFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *memChannel) sinkFn() PresenceSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *memChannel) Subscribe(ctx context.Context, status StatusFunc) error {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	t := b.topicLocked(c.name)
	t.members[c] = struct{}{}
	c.joined = true
	b.mu.Unlock()

	if status != nil {
		c.enqueue(func() { status(StateJoined, nil) })
	}
	return nil
}

func (c *memChannel) Send(ctx context.Context, event, id string, data []byte) error {
	b := c.broker
	b.mu.Lock()
	if !c.joined {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	t := b.topics[c.name]
	peers := make([]*memChannel, 0, len(t.members))
	for m := range t.members {
		if m != c {
			peers = append(peers, m)
		}
	}
	b.mu.Unlock()

	payload := make([]byte, len(data))
	copy(payload, data)
	for _, p := range peers {
		p.deliverBroadcast(event, payload)
	}
	return nil
}

func (c *memChannel) deliverBroadcast(event string, payload []byte) {
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

func (c *memChannel) Track(ctx context.Context, meta []byte) error {
	b := c.broker
	b.mu.Lock()
	if !c.joined {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	wasTracked := c.tracked != nil
	c.tracked = append([]byte(nil), meta...)

	t := b.topics[c.name]
	state := t.stateLocked()
	members, peers := t.fanoutLocked(c)
	b.mu.Unlock()

	if !wasTracked {
		diff := [][]byte{append([]byte(nil), meta...)}
		for _, p := range peers {
			p.deliverJoin(c.sessionKey, diff)
		}
	}
	for _, m := range members {
		m.deliverSync(state)
	}
	return nil
}

func (c *memChannel) Untrack(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	if !c.joined || c.tracked == nil {
		b.mu.Unlock()
		return nil
	}
	meta := c.tracked
	c.tracked = nil

	t := b.topics[c.name]
	state := t.stateLocked()
	members, peers := t.fanoutLocked(c)
	b.mu.Unlock()

	diff := [][]byte{meta}
	for _, p := range peers {
		p.deliverLeave(c.sessionKey, diff)
	}
	for _, m := range members {
		m.deliverSync(state)
	}
	return nil
}

func (c *memChannel) Close() error {
	c.closeOnce.Do(func() {
		b := c.broker
		b.mu.Lock()
		t := b.topics[c.name]
		var peers []*memChannel
		var meta []byte
		var state map[string][][]byte
		if t != nil {
			delete(t.members, c)
			if len(t.members) == 0 {
				delete(b.topics, c.name)
			} else if c.tracked != nil {
				meta = c.tracked
				state = t.stateLocked()
				for m := range t.members {
					peers = append(peers, m)
				}
			}
		}
		c.joined = false
		c.tracked = nil
		b.mu.Unlock()

		if meta != nil {
			diff := [][]byte{meta}
			for _, p := range peers {
				p.deliverLeave(c.sessionKey, diff)
				p.deliverSync(state)
			}
		}
		close(c.done)
	})
	return nil
}

// fanoutLocked returns all members and, separately, members other than
// skip. Caller holds the broker mutex.
func (t *memTopic) fanoutLocked(skip *memChannel) (members, peers []*memChannel) {
	members = make([]*memChannel, 0, len(t.members))
	peers = make([]*memChannel, 0, len(t.members))
	for m := range t.members {
		members = append(members, m)
		if m != skip {
			peers = append(peers, m)
		}
	}
	return members, peers
}

func (c *memChannel) deliverJoin(key string, metas [][]byte) {
	sink := c.sinkFn()
	if sink.Join == nil {
		return
	}
	c.enqueue(func() { sink.Join(key, metas) })
}

func (c *memChannel) deliverLeave(key string, metas [][]byte) {
	sink := c.sinkFn()
	if sink.Leave == nil {
		return
	}
	c.enqueue(func() { sink.Leave(key, metas) })
}

func (c *memChannel) deliverSync(state map[string][][]byte) {
	sink := c.sinkFn()
	if sink.Sync == nil {
		return
	}
	c.enqueue(func() { sink.Sync(state) })
}
