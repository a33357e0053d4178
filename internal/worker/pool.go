package worker

import (
	"maps"
	"slices"
	"sync"
)

// slots tracks execution capacity: a global ceiling and optional per-kind
// ceilings. Limits of zero or less mean the kind is only bound by the
// global ceiling.
type slots struct {
	mu      sync.Mutex
	global  int
	limits  map[string]int
	running int
	perKind map[string]int
	freed   chan struct{}
}

func newSlots(global int, limits map[string]int) *slots {
	own := make(map[string]int, len(limits))
	maps.Copy(own, limits)
	return &slots{
		global:  global,
		limits:  own,
		perKind: make(map[string]int),
		freed:   make(chan struct{}, 1),
	}
}

// full reports whether the global ceiling is reached
func (s *slots) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running >= s.global
}

// saturated returns the kinds at their per-kind ceiling, sorted.
func (s *slots) saturated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []string{}
	for kind, limit := range s.limits {
		if limit > 0 && s.perKind[kind] >= limit {
			out = append(out, kind)
		}
	}
	slices.Sort(out)
	return out
}

func (s *slots) tryAcquire(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running >= s.global {
		return false
	}
	if limit := s.limits[kind]; limit > 0 && s.perKind[kind] >= limit {
		return false
	}
	s.running++
	s.perKind[kind]++
	return true
}

func (s *slots) release(kind string) {
	s.mu.Lock()
	s.running--
	s.perKind[kind]--
	if s.perKind[kind] <= 0 {
		delete(s.perKind, kind)
	}
	s.mu.Unlock()

	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *slots) setLimit(kind string, limit int) {
	s.mu.Lock()
	if limit > 0 {
		s.limits[kind] = limit
	} else {
		delete(s.limits, kind)
	}
	s.mu.Unlock()

	// a raised limit may unblock the claim loop
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *slots) usage() (int, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, maps.Clone(s.perKind)
}
