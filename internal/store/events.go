package store

import "github.com/prestasur/synccore/internal/domain"

// Origin tags who wrote a document: the local UI/business layer or the
// replication engine applying a remote change. The terminal-state write gate
// and the dirty flag both key off it.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event notifies subscribers that a document changed.
type Event struct {
	Collection domain.Collection
	ID         string
	Origin     Origin
}

type subscription struct {
	collection domain.Collection
	ch         chan Event
}

// Subscribe registers a listener for changes on one collection. The returned
// cancel func is idempotent and guarantees no further sends after it returns,
// so listeners cannot leak across store close. Events are delivered
// best-effort: a subscriber that stops draining loses events rather than
// blocking writers.
func (s *Store) Subscribe(col domain.Collection) (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan Event, 64)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = &subscription{collection: col, ch: ch}

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// notify fans an event out to matching subscribers without blocking.
func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		if sub.collection != ev.Collection {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
