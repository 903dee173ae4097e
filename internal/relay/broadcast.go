package relay

import "sync"

// Frame is one unit of media data belonging to a broadcast. The payload is
// opaque to this package; track distinguishes substreams within a broadcast.
type Frame struct {
	Track   string
	Payload []byte
}

// Broadcast is one named, continuously-updating stream. Frames written by the
// owning session fan out to every subscriber; slow subscribers lose frames
// rather than stalling the writer.
type Broadcast struct {
	name string

	mu   sync.Mutex
	subs map[chan Frame]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func NewBroadcast(name string) *Broadcast {
	return &Broadcast{
		name:   name,
		subs:   make(map[chan Frame]struct{}),
		closed: make(chan struct{}),
	}
}

func (b *Broadcast) Name() string { return b.name }

// WriteFrame delivers a frame to all current subscribers. Writes after Close
// are dropped.
func (b *Broadcast) WriteFrame(f Frame) {
	select {
	case <-b.closed:
		return
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
			// subscriber is behind, drop
		}
	}
}

// Subscribe registers a frame receiver. The returned cancel func detaches the
// receiver; it is safe to call after the broadcast has closed.
func (b *Broadcast) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Close marks the stream ended. Idempotent.
func (b *Broadcast) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Closed resolves when the stream ends.
func (b *Broadcast) Closed() <-chan struct{} { return b.closed }
