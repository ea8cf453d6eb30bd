package contextstore

import (
	"sync"

	"github.com/BaSui01/collabcore/types"
)

// Subscription is a restartable cursor over one key's version chain. Items
// arrive in version order with no gaps: first the replayed backlog, then
// live writes. Delivery never blocks writers; a slow consumer accumulates a
// pending queue instead.
type Subscription struct {
	taskID string
	key    string

	ch     chan *types.ContextItem
	signal chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []*types.ContextItem
	cursor  uint64

	closeOnce  sync.Once
	unregister func()
}

func newSubscription(taskID, key string, from uint64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscription{
		taskID: taskID,
		key:    key,
		ch:     make(chan *types.ContextItem, buffer),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		cursor: from,
	}
	go s.pump()
	return s
}

// Items is the delivery channel. It is closed when the subscription is
// closed; an undelivered backlog is dropped, and Cursor marks where a
// replacement subscription should resume.
func (s *Subscription) Items() <-chan *types.ContextItem {
	return s.ch
}

// Cursor returns the highest version delivered so far. A replacement
// subscription started from this cursor resumes without gaps or repeats.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close detaches the subscription from the store and ends delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		close(s.done)
	})
}

// enqueue adds an item to the pending queue. Called by the store with the
// key serialized, so versions arrive in order.
func (s *Subscription) enqueue(item *types.ContextItem) {
	s.mu.Lock()
	s.pending = append(s.pending, item)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves items from the pending queue to the delivery channel.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var next *types.ContextItem
		if len(s.pending) > 0 {
			next = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.ch <- next:
			s.mu.Lock()
			if next.Version > s.cursor {
				s.cursor = next.Version
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
