package muscheduler

import (
	"sync"
	"testing"
	"time"
)

func TestRunExecutesAtScheduledTime(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	done := make(chan struct{})

	sched := New(func(job *Job) {
		mu.Lock()
		executed = append(executed, job.ID)
		mu.Unlock()
		close(done)
	})
	defer sched.Close()

	start := time.Now().Add(50 * time.Millisecond)
	id, err := sched.Run(start, start.Add(10*time.Millisecond), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never executed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != id {
		t.Fatalf("expected job %s to execute exactly once, got %v", id, executed)
	}
}

func TestRunRejectsOverlappingJobs(t *testing.T) {
	sched := New(func(job *Job) {})
	defer sched.Close()

	base := time.Now().Add(time.Hour)
	if _, err := sched.Run(base, base.Add(time.Minute), nil); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	overlapStart := base.Add(30 * time.Second)
	if _, err := sched.Run(overlapStart, overlapStart.Add(time.Minute), nil); err == nil {
		t.Fatalf("expected overlapping job to be rejected")
	}

	nonOverlapStart := base.Add(2 * time.Minute)
	if _, err := sched.Run(nonOverlapStart, nonOverlapStart.Add(time.Minute), nil); err != nil {
		t.Fatalf("expected non-overlapping job to be accepted: %v", err)
	}
}

func TestLsJobAndRmJob(t *testing.T) {
	sched := New(func(job *Job) {})
	defer sched.Close()

	start := time.Now().Add(time.Hour)
	id, err := sched.Run(start, start.Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	jobs := sched.LsJob()
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected one job %s, got %v", id, jobs)
	}

	if err := sched.RmJob(id); err != nil {
		t.Fatalf("RmJob failed: %v", err)
	}
	if len(sched.LsJob()) != 0 {
		t.Fatalf("expected job list empty after removal")
	}

	if err := sched.RmJob(id); err == nil {
		t.Fatalf("expected RmJob on missing job to fail")
	}
}

func TestPRunRejectsWhenJobsPending(t *testing.T) {
	sched := New(func(job *Job) {})
	defer sched.Close()

	start := time.Now().Add(time.Hour)
	if _, err := sched.Run(start, start.Add(time.Minute), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := sched.PRun(start.Add(5*time.Hour), start.Add(5*time.Hour+time.Minute), 2*time.Hour, nil); err == nil {
		t.Fatalf("expected PRun to reject while a pending job exists")
	}
}

func TestPRunRejectsDurationLongerThanRepeat(t *testing.T) {
	sched := New(func(job *Job) {})
	defer sched.Close()

	start := time.Now().Add(time.Hour)
	if _, err := sched.PRun(start, start.Add(10*time.Minute), 5*time.Minute, nil); err == nil {
		t.Fatalf("expected PRun to reject a job duration longer than its repeat interval")
	}
}
