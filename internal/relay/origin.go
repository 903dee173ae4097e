package relay

import (
	"sort"
	"sync"
)

// Announcement reports a change to an origin's broadcast table. Live is true
// when the path was published, false when it was retracted.
type Announcement struct {
	Path      string
	Broadcast *Broadcast
	Live      bool
}

// Origin is an in-process hub of named broadcasts shared between the
// components that produce into a network and the ones that consume from it.
// Producer and Consumer are cheap handles onto the same table.
type Origin struct {
	mu         sync.RWMutex
	broadcasts map[string]*Broadcast
	watchers   map[*watcher]struct{}
}

type watcher struct {
	ch   chan Announcement
	done chan struct{}
}

func NewOrigin() *Origin {
	return &Origin{
		broadcasts: make(map[string]*Broadcast),
		watchers:   make(map[*watcher]struct{}),
	}
}

func (o *Origin) Producer() *OriginProducer { return &OriginProducer{o: o} }
func (o *Origin) Consumer() *OriginConsumer { return &OriginConsumer{o: o} }

func (o *Origin) publish(path string, b *Broadcast) {
	o.mu.Lock()
	o.broadcasts[path] = b
	ws := o.snapshotWatchers()
	o.mu.Unlock()

	o.notify(ws, Announcement{Path: path, Broadcast: b, Live: true})
}

func (o *Origin) unpublish(path string) {
	o.mu.Lock()
	b, ok := o.broadcasts[path]
	if ok {
		delete(o.broadcasts, path)
	}
	ws := o.snapshotWatchers()
	o.mu.Unlock()

	if ok {
		o.notify(ws, Announcement{Path: path, Broadcast: b, Live: false})
	}
}

// snapshotWatchers must be called with o.mu held.
func (o *Origin) snapshotWatchers() []*watcher {
	ws := make([]*watcher, 0, len(o.watchers))
	for w := range o.watchers {
		ws = append(ws, w)
	}
	return ws
}

func (o *Origin) notify(ws []*watcher, a Announcement) {
	for _, w := range ws {
		select {
		case w.ch <- a:
		case <-w.done:
		}
	}
}

// OriginProducer publishes broadcasts into the origin.
type OriginProducer struct {
	o *Origin
}

func (p *OriginProducer) Publish(path string, b *Broadcast) { p.o.publish(path, b) }
func (p *OriginProducer) Unpublish(path string)             { p.o.unpublish(path) }

// OriginConsumer reads broadcasts out of the origin.
type OriginConsumer struct {
	o *Origin
}

// Consume looks up the broadcast currently published under path.
func (c *OriginConsumer) Consume(path string) (*Broadcast, bool) {
	c.o.mu.RLock()
	defer c.o.mu.RUnlock()
	b, ok := c.o.broadcasts[path]
	return b, ok
}

// Paths lists the currently published paths, sorted.
func (c *OriginConsumer) Paths() []string {
	c.o.mu.RLock()
	paths := make([]string, 0, len(c.o.broadcasts))
	for p := range c.o.broadcasts {
		paths = append(paths, p)
	}
	c.o.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Watch streams the current broadcast table followed by every later change.
// The returned stop func must be called when the caller is done; after stop,
// the channel is drained and closed.
func (c *OriginConsumer) Watch() (<-chan Announcement, func()) {
	w := &watcher{
		ch:   make(chan Announcement, 16),
		done: make(chan struct{}),
	}

	c.o.mu.Lock()
	existing := make([]Announcement, 0, len(c.o.broadcasts))
	for path, b := range c.o.broadcasts {
		existing = append(existing, Announcement{Path: path, Broadcast: b, Live: true})
	}
	c.o.watchers[w] = struct{}{}
	c.o.mu.Unlock()

	out := make(chan Announcement, 16)
	go func() {
		defer close(out)
		for _, a := range existing {
			select {
			case out <- a:
			case <-w.done:
				return
			}
		}
		for {
			select {
			case a := <-w.ch:
				select {
				case out <- a:
				case <-w.done:
					return
				}
			case <-w.done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.o.mu.Lock()
			delete(c.o.watchers, w)
			c.o.mu.Unlock()
			close(w.done)
		})
	}
	return out, stop
}
