package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemSink stores events in memory. Used by tests and by local runs
// without a database.
type MemSink struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Record(_ context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *MemSink) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Event, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if filter.Action != "" && ev.Action != filter.Action {
			continue
		}
		if filter.EntityType != "" && ev.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != uuid.Nil && ev.EntityID != filter.EntityID {
			if ev.SecondEntityID == nil || *ev.SecondEntityID != filter.EntityID {
				continue
			}
		}
		if filter.Actor != "" && ev.Actor != filter.Actor {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Events returns a copy of all recorded events in insertion order.
func (s *MemSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]*Event, len(s.events))
	copy(cp, s.events)
	return cp
}
