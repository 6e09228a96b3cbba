// Package scheduler implements schedule_and_start: draining the pending
// FIFO sorted by priority and admitting tasks up to the concurrency cap.
//
// Grounded on downloader.cpp's schedule_and_start_tasks (stable-sort-by-
// priority drain-and-admit loop), expressed with sort.SliceStable instead
// of a comparator that re-acquires a lock per comparison.
package scheduler

import (
	"sync/atomic"

	"github.com/gametools/dlcore/registry"
)

// Admitter performs whatever work follows a successful Execute transition
// (the Engine's Admitter starts the Coordinator run in its own goroutine,
// not on the Worker Pool). Kept as an
// injected function to avoid an import cycle between scheduler and
// coordinator.
type Admitter func(id registry.TaskId)

// Scheduler drains reg's pending FIFO and admits tasks up to maxConcurrent.
type Scheduler struct {
	reg            *registry.Registry
	maxConcurrent  atomic.Int64
	admit          Admitter
}

func New(reg *registry.Registry, maxConcurrent int64, admit Admitter) *Scheduler {
	s := &Scheduler{reg: reg, admit: admit}
	s.maxConcurrent.Store(maxConcurrent)
	return s
}

func (s *Scheduler) SetMaxConcurrent(n int64) { s.maxConcurrent.Store(n) }
func (s *Scheduler) MaxConcurrent() int64     { return s.maxConcurrent.Load() }

// ScheduleAndStart drains the pending FIFO (already stably sorted by
// ascending priority by the registry), and for each id either admits it
// (Execute + Admitter callback) or re-enqueues it at the tail when the
// concurrency cap is reached or Execute loses a race.
func (s *Scheduler) ScheduleAndStart() {
	ids := s.reg.PopPendingSorted()
	for _, id := range ids {
		if s.reg.RunningCount() >= s.maxConcurrent.Load() {
			s.reg.PushPending(id)
			continue
		}
		if err := s.reg.Execute(id); err != nil {
			s.reg.PushPending(id)
			continue
		}
		if s.admit != nil {
			s.admit(id)
		}
	}
}
