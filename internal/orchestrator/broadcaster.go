package orchestrator

import (
	"sync"

	"github.com/italolelis/media_relay/internal/job"
)

// Broadcaster fans job statuses out to subscribers. A slow subscriber never
// blocks a job: when its buffer is full the oldest status is dropped.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan job.Status
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan job.Status)}
}

// Subscribe returns a channel of statuses and a function that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan job.Status, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan job.Status, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *Broadcaster) Publish(st job.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- st:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		select {
		case ch <- st:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
