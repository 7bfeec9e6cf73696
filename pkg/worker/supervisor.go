package worker

import (
	"fmt"
	"sync"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run list query options
const (
	RunsAll    = "all"
	RunsActive = "active"
	RunsOpen   = "open"
	RunsClosed = "closed"
)

// Supervisor sits between the manager and a worker. It consumes the worker's
// event stream, keeps a cache of the run list reported by the worker and owns
// the run-list revision tag. All other events are forwarded unchanged.
type Supervisor struct {
	w  Worker
	lg zerolog.Logger

	mu         sync.RWMutex
	runList    []types.RunEntry
	runListUID string

	out chan Event
}

// NewSupervisor wraps an opened worker
func NewSupervisor(w Worker) *Supervisor {
	return &Supervisor{
		w:          w,
		lg:         log.WithComponent("supervisor"),
		runListUID: uuid.New().String(),
		out:        make(chan Event, 32),
	}
}

// Run consumes worker events until the worker's event channel is closed.
// The outgoing channel is closed afterwards.
func (s *Supervisor) Run() {
	for ev := range s.w.Events() {
		if ev.Type == EventRunListChanged {
			s.mu.Lock()
			s.runList = ev.RunList
			s.runListUID = uuid.New().String()
			s.mu.Unlock()
		}
		s.out <- ev
	}
	close(s.out)
}

// Events returns the forwarded event channel
func (s *Supervisor) Events() <-chan Event {
	return s.out
}

// RunListUID returns the run-list revision tag
func (s *Supervisor) RunListUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runListUID
}

// Runs returns the cached run list filtered by option together with the
// run-list revision tag
func (s *Supervisor) Runs(option string) ([]types.RunEntry, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []types.RunEntry
	switch option {
	case "", RunsAll, RunsActive:
		runs = append(runs, s.runList...)
	case RunsOpen:
		for _, r := range s.runList {
			if r.IsOpen {
				runs = append(runs, r)
			}
		}
	case RunsClosed:
		for _, r := range s.runList {
			if !r.IsOpen {
				runs = append(runs, r)
			}
		}
	default:
		return nil, "", fmt.Errorf("Option '%s' is not supported", option)
	}
	return runs, s.runListUID, nil
}

// ClearRunList empties the cached run list and bumps the revision tag.
// Called when a new plan starts.
func (s *Supervisor) ClearRunList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runList = nil
	s.runListUID = uuid.New().String()
}
