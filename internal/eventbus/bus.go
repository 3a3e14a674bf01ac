package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"jobd/internal/storage"
)

// Type names a job/run status transition.
type Type string

const (
	JobCreated         Type = "job.created"
	JobDeleted         Type = "job.deleted"
	JobScheduleInvalid Type = "job.schedule_invalid"
	JobStatusChanged   Type = "job.status_changed"
	RunStarted         Type = "run.started"
	RunFinished        Type = "run.finished"
)

// Event is a status notification for external observers.
//
// Contract:
//   - Publish never blocks.
//   - Delivery is at-most-once; a full subscriber buffer drops the event.
//   - There is no replay: subscribers only see events published after Subscribe.
type Event struct {
	Type Type            `json:"type"`
	Time time.Time       `json:"time"`
	Job  storage.Job     `json:"job"`
	Run  *storage.JobRun `json:"run,omitempty"`
	// Detail carries a human-readable reason (e.g. the cron parse error).
	Detail string `json:"detail,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Sends happen under the read lock so Unsubscribe (write lock) can never
	// close a channel mid-send. Sends are non-blocking, so the lock is brief.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Stats is a diagnostics snapshot.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func (b *MemBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
