// Package stream broadcasts committed writes to in-process
// subscribers, one record per committed version.
//
// Publishing is fire-and-forget: the publisher never blocks on a
// subscriber, and a subscriber that falls behind loses records rather
// than slowing commits. Records carry identity and provenance, not
// payloads; durability lives in the event log, not the stream.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lirancohen/plinth/entity"
)

// DefaultBuffer is the subscriber channel capacity used when Subscribe
// is called with a non-positive buffer.
const DefaultBuffer = 64

// Record is the committed-write tuple pushed to subscribers.
type Record struct {
	EntityType  entity.Type
	EntityID    string
	Version     int64
	EventType   entity.EventType
	Actor       string
	CommittedAt time.Time
}

// RecordOf builds the record for a committed event.
func RecordOf(e entity.Event) Record {
	return Record{
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Version:     e.Version,
		EventType:   e.Type,
		Actor:       e.Actor,
		CommittedAt: e.CommittedAt,
	}
}

// Publisher fans committed-write records out to subscribers.
// The zero value is ready for use.
type Publisher struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is one registered stream consumer.
type Subscription struct {
	pub     *Publisher
	id      int
	ch      chan Record
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a consumer with the given channel capacity.
// Consumers drain the channel via C and must Close when done.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[int]*Subscription)
	}

	sub := &Subscription{
		pub: p,
		id:  p.next,
		ch:  make(chan Record, buffer),
	}
	p.subs[sub.id] = sub
	p.next++
	return sub
}

// Publish delivers records to every subscriber without blocking.
// Records that do not fit a subscriber's buffer are dropped and
// counted against that subscriber.
func (p *Publisher) Publish(records ...Record) {
	if len(records) == 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		for _, rec := range records {
			select {
			case sub.ch <- rec:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Subscribers returns the number of registered subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

func (p *Publisher) unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(sub.ch)
	}
}

// C returns the channel records arrive on. The channel is closed by
// Close.
func (s *Subscription) C() <-chan Record {
	return s.ch
}

// Dropped returns how many records were discarded because this
// subscriber's buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
// Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.pub.unsubscribe(s.id)
	})
}
