package events

import (
	"sync"
	"sync/atomic"
	"time"

	"ytmaster/internal/logging"
)

// Handler consumes events. Handlers run on the bus delivery goroutine, one
// event at a time, and may call back into whatever published the event.
type Handler func(Event)

type subscriber struct {
	fn     Handler
	active atomic.Bool
}

// Bus is an unbounded ordered event queue with a single delivery goroutine.
//
// Publish only appends under the bus's own short lock, so producers may call
// it while holding their state lock; delivery never runs under that lock.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	seq     uint64
	subs    []*subscriber
	closed  bool
	done    chan struct{}
	now     func() time.Time
}

// NewBus starts a bus and its delivery goroutine.
func NewBus() *Bus {
	b := &Bus{done: make(chan struct{}), now: time.Now}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Publish assigns the next sequence number and queues ev for delivery.
// It never blocks on subscribers. Events published after Close are dropped
// and Publish returns false.
func (b *Bus) Publish(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.pending = append(b.pending, ev)
	b.cond.Signal()
	return true
}

// Subscribe registers fn and returns a function that removes it. After the
// returned function is called fn receives no further events, unless it is
// called from inside fn itself for the event currently being delivered.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	s := &subscriber{fn: fn}
	s.active.Store(true)
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Close delivers everything already published and stops the delivery
// goroutine. It is idempotent. Close must not be called from a Handler.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

// Done is closed once the delivery goroutine has exited.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		subs := append([]*subscriber(nil), b.subs...)
		b.mu.Unlock()

		for _, ev := range batch {
			for _, s := range subs {
				if s.active.Load() {
					deliver(s.fn, ev)
				}
			}
		}
	}
}

func deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogSubscriberPanic(string(ev.Type), r)
		}
	}()
	fn(ev)
}
