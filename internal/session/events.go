package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a session lifecycle event: a name, the model path it concerns and
// optional fields.
type Event struct {
	Name   string         `json:"name"`
	Model  string         `json:"model,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Event names.
const (
	EventLoadStart     = "load_start"
	EventLoadDone      = "load_done"
	EventLoadFailed    = "load_failed"
	EventUnloadDone    = "unload_done"
	EventGenerateStart = "generate_start"
	EventGenerateDone  = "generate_done"
	EventCancelled     = "generate_cancelled"
)

// EventPublisher receives session events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Broadcaster fans events out to live subscribers. A subscriber whose
// buffer is full misses the event; Publish never blocks.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped uint64
	log     zerolog.Logger
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{}), log: log}
}

// Subscribe returns a channel of events and a release func. The channel is
// closed by release.
func (b *Broadcaster) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.log.Debug().Str("event", "subscriber_lagging").Str("name", e.Name).Msg("dropping session event for slow subscriber")
		}
	}
}

// Subscribers reports how many subscriptions are live.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts events a lagging subscriber missed.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Multi fans an event out to several publishers.
type Multi []EventPublisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// MemoryPublisher keeps events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns event names in publish order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}
