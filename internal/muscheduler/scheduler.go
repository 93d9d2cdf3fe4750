// Package muscheduler implements scheduled-job glue: a priority queue of
// (start_time, job) pairs serviced by a dedicated goroutine, with
// interval-overlap conflict detection on pending jobs. Storage/timer
// mechanics are local to this package, while job *execution* is
// delegated to an injected Executor that acquires the session
// coordinator's semaphore; only that acquisition step is treated as core
// acquisition logic.
package muscheduler

import (
	"container/heap"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var log_ = log.New(os.Stderr, "muscheduler: ", log.LstdFlags)

// Status is a job's lifecycle stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
)

// Command selects one-shot ("run") or recurring ("prun") scheduling.
type Command string

const (
	CommandRun  Command = "run"
	CommandPRun Command = "prun"
)

// Job is one scheduled acquisition task.
type Job struct {
	ID      string
	Command Command
	Params  map[string]interface{}

	Start  time.Time
	Stop   time.Time
	Repeat time.Duration // zero for one-shot ("run")

	Status  Status
	Message string
}

func (j *Job) overlaps(start, stop time.Time) bool {
	return j.Start.Before(stop) && start.Before(j.Stop)
}

// Executor runs one job's command against the acquisition core. It should
// acquire the session coordinator's semaphore itself (e.g. via
// musession.Coordinator.Run/Wait) before returning.
type Executor func(job *Job)

// jobHeap orders pending jobs by start time, earliest first.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].Start.Before(h[j].Start) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler owns the pending-job heap and the timer goroutine that fires
// jobs as their start time arrives.
type Scheduler struct {
	execute Executor

	mu       sync.Mutex
	byID     map[string]*Job
	pending  jobHeap
	wake     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New starts the scheduler's background timer goroutine. execute is
// invoked synchronously from that goroutine for each due job, so a
// long-running job delays the next one's dispatch exactly as a single
// acquisition semaphore would.
func New(execute Executor) *Scheduler {
	s := &Scheduler{
		execute: execute,
		byID:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Run schedules a one-shot job. A start time in the past is rebased to
// now, preserving the requested duration.
func (s *Scheduler) Run(start, stop time.Time, params map[string]interface{}) (string, error) {
	return s.schedule(CommandRun, start, stop, 0, params)
}

// PRun schedules a recurring job that re-fires every repeat after its
// first run, refusing to coexist with any other pending or active job.
func (s *Scheduler) PRun(start, stop time.Time, repeat time.Duration, params map[string]interface{}) (string, error) {
	if stop.Sub(start) > repeat {
		return "", fmt.Errorf("job duration %s exceeds repeat interval %s", stop.Sub(start), repeat)
	}

	s.mu.Lock()
	for _, j := range s.byID {
		if j.Status == StatusPending || j.Status == StatusActive {
			s.mu.Unlock()
			return "", fmt.Errorf("cannot schedule permanent task: there are active or pending jobs")
		}
	}
	s.mu.Unlock()

	return s.schedule(CommandPRun, start, stop, repeat, params)
}

func (s *Scheduler) schedule(cmd Command, start, stop time.Time, repeat time.Duration, params map[string]interface{}) (string, error) {
	if !stop.After(start) {
		return "", fmt.Errorf("incoherent start and stop timestamps")
	}

	now := time.Now()
	if start.Before(now) {
		d := stop.Sub(start)
		start = now
		stop = start.Add(d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.byID {
		if (j.Status == StatusPending || j.Status == StatusActive) && j.overlaps(start, stop) {
			return "", fmt.Errorf("conflicting timing with tasks already scheduled")
		}
	}

	job := &Job{
		ID:      uuid.NewString(),
		Command: cmd,
		Params:  params,
		Start:   start,
		Stop:    stop,
		Repeat:  repeat,
		Status:  StatusPending,
	}
	s.byID[job.ID] = job
	heap.Push(&s.pending, job)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return job.ID, nil
}

// LsJob returns every known job regardless of status.
func (s *Scheduler) LsJob() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.byID))
	for _, j := range s.byID {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// RmJob removes a pending job. Active jobs cannot be removed.
func (s *Scheduler) RmJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status == StatusActive {
		return fmt.Errorf("job %s is active", id)
	}

	delete(s.byID, id)
	for i, j := range s.pending {
		if j.ID == id {
			heap.Remove(&s.pending, i)
			break
		}
	}
	return nil
}

// Close stops the scheduler's background goroutine. Pending jobs are left
// un-executed.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// loop waits for the next pending job's start time and dispatches it,
// rescheduling recurring jobs after they complete.
func (s *Scheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *Job
		if len(s.pending) > 0 {
			next = s.pending[0]
		}
		s.mu.Unlock()

		var wait time.Duration
		if next == nil {
			wait = time.Hour
		} else {
			wait = time.Until(next.Start)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops and executes every job whose start time has arrived.
func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || time.Now().Before(s.pending[0].Start) {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&s.pending).(*Job)
		job.Status = StatusActive
		s.mu.Unlock()

		s.execute(job)

		s.mu.Lock()
		job.Status = StatusDone
		s.mu.Unlock()

		if job.Repeat > 0 {
			nextStart := job.Start.Add(job.Repeat)
			duration := job.Stop.Sub(job.Start)
			if _, err := s.schedule(job.Command, nextStart, nextStart.Add(duration), job.Repeat, job.Params); err != nil {
				log_.Printf("failed to reschedule recurring job %s: %v", job.ID, err)
			}
		}
	}
}
