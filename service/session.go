package service

import (
	"sync"
	"time"

	"github.com/martinemde/dmagent/agentloop"
)

type session struct {
	id      string
	created time.Time
	orch    *agentloop.Orchestrator

	mu      sync.Mutex
	subs    map[int]chan agentloop.Event
	nextSub int
	done    bool
}

// pump forwards orchestrator events to subscribers until the orchestrator
// is closed, then closes every subscriber channel.
func (s *session) pump() {
	for ev := range s.orch.Events() {
		s.mu.Lock()
		for _, ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *session) subscribe(buffer int) (<-chan agentloop.Event, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, nil, false
	}
	id := s.nextSub
	s.nextSub++
	ch := make(chan agentloop.Event, buffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				close(sub)
				delete(s.subs, id)
			}
		})
	}
	return ch, cancel, true
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		CreatedAt:    s.created,
		Running:      s.orch.Running(),
		State:        s.orch.State(),
		ActiveSkills: s.orch.ActiveSkills(),
		Turns:        len(s.orch.Conversation()),
	}
}
