package client

import (
	"sort"
	"sync"
	"time"
)

type task struct {
	fn    func()
	timer Timer
	seq   uint64
}

// Scheduler coalesces work per key. The first Schedule for a key opens a
// window; later calls before it closes replace the work without extending it.
type Scheduler struct {
	clock   Clock
	mu      sync.Mutex
	tasks   map[string]*task
	seq     uint64
	stopped bool
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock, tasks: make(map[string]*task)}
}

func (s *Scheduler) Schedule(key string, window time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.tasks[key]; ok {
		t.fn = fn
		return
	}
	s.seq++
	t := &task{fn: fn, seq: s.seq}
	s.tasks[key] = t
	t.timer = s.clock.AfterFunc(window, func() { s.fire(key, t) })
}

func (s *Scheduler) fire(key string, t *task) {
	s.mu.Lock()
	if s.tasks[key] != t {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	fn := t.fn
	s.mu.Unlock()
	fn()
}

// Flush runs all pending work now, in the order it was first scheduled.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for key, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		due = append(due, t)
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, t := range due {
		t.fn()
	}
}

// Stop discards pending work and refuses new work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, key)
	}
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
