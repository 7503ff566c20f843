package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/primal-host/castkeeper/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// bufferSize is the per-subscriber live queue length.
const bufferSize = 256

var errStopped = errors.New("subscriber stopped")

// subscriber is one connected stream consumer. live is written by
// broadcast and never closed; out is owned by the forwarding goroutine.
type subscriber struct {
	fid  int64
	live chan Event
	out  chan Event
	stop chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

// Manager handles event sequencing, persistence, and fan-out to stream
// subscribers.
type Manager struct {
	persister *Persister

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewManager creates a Manager.
func NewManager(persister *Persister) *Manager {
	return &Manager{
		persister: persister,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Emit persists an event and broadcasts it to matching subscribers.
// Returns error only if persistence fails.
func (m *Manager) Emit(ctx context.Context, eventType string, fid int64, payload any) (Event, error) {
	evt, err := m.persister.Persist(ctx, eventType, fid, payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: persist: %w", err)
	}
	m.broadcast(evt)
	return evt, nil
}

// Subscribe returns a channel of events for fid (0 for every user). If
// since is non-nil, events after that cursor are replayed before live
// events. The channel is closed when the subscriber falls behind, when
// ctx ends, on Shutdown, or after cancel is called.
func (m *Manager) Subscribe(ctx context.Context, fid int64, since *int64) (<-chan Event, func()) {
	sub := &subscriber{
		fid:  fid,
		live: make(chan Event, bufferSize),
		out:  make(chan Event),
		stop: make(chan struct{}),
	}

	// Register before replay so nothing is missed between replay end and
	// live start. Events seen in both are dropped by seq.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	metrics.SubscriberAdded()

	go m.forward(ctx, sub, since)
	return sub.out, sub.close
}

// forward replays history and then relays live events to sub.out.
func (m *Manager) forward(ctx context.Context, sub *subscriber, since *int64) {
	defer close(sub.out)
	defer m.remove(sub)

	var last int64
	if since != nil {
		last = *since
		err := m.persister.Replay(ctx, *since, sub.fid, func(evt Event) error {
			select {
			case sub.out <- evt:
				last = evt.Seq
				return nil
			case <-sub.stop:
				return errStopped
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			if !errors.Is(err, errStopped) && !errors.Is(err, context.Canceled) {
				log.Printf("Warning: replay error: %v", err)
			}
			return
		}
	}

	for {
		select {
		case evt := <-sub.live:
			if evt.Seq <= last {
				continue
			}
			last = evt.Seq
			select {
			case sub.out <- evt:
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) remove(sub *subscriber) {
	m.mu.Lock()
	_, ok := m.subs[sub]
	delete(m.subs, sub)
	m.mu.Unlock()
	if ok {
		metrics.SubscriberRemoved()
	}
	sub.close()
}

// Shutdown stops all subscribers. Later Subscribe calls return a closed
// channel.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for sub := range m.subs {
		sub.close()
	}
}

// broadcast queues evt for every matching subscriber. Slow consumers
// whose queues are full get stopped (they should reconnect with a cursor).
func (m *Manager) broadcast(evt Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs {
		if sub.fid != 0 && sub.fid != evt.FID {
			continue
		}
		select {
		case sub.live <- evt:
		default:
			log.WithField("fid", sub.fid).Warn("Dropping slow event subscriber")
			sub.close()
		}
	}
}
