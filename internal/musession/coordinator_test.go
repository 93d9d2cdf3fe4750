package musession

import (
	"errors"
	"testing"
	"time"

	"github.com/distalsense/megamicro/internal/muparams"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

// fakeRunner simulates a transfer/playback engine for coordinator tests
// without needing real hardware or files.
type fakeRunner struct {
	cancel  *mutransfer.CancellationToken
	err     error
	started chan struct{}
}

func (r *fakeRunner) Run() error {
	close(r.started)
	for !r.cancel.Cancelled() {
		time.Sleep(time.Millisecond)
	}
	return r.err
}

func mustParams(t *testing.T) *muparams.Resolved {
	t.Helper()
	p, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1}, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return p
}

func TestCoordinatorLifecycle(t *testing.T) {
	c := New(NewSemaphore(1))
	params := mustParams(t)
	cancel := mutransfer.NewCancellationToken()
	runner := &fakeRunner{cancel: cancel, started: make(chan struct{})}

	if c.IsAlive() {
		t.Fatalf("expected not alive before Run")
	}
	if err := c.Run(params, cancel, runner); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}
	if !c.IsAlive() {
		t.Fatalf("expected alive after Run")
	}

	c.Stop()
	if err := c.Wait(); err != nil {
		t.Fatalf("expected nil error on clean stop, got %v", err)
	}
	if c.IsAlive() {
		t.Fatalf("expected not alive after Wait returns")
	}
}

func TestCoordinatorWaitReraisesWorkerError(t *testing.T) {
	c := New(NewSemaphore(1))
	params := mustParams(t)
	cancel := mutransfer.NewCancellationToken()
	wantErr := errors.New("boom")
	runner := &fakeRunner{cancel: cancel, err: wantErr, started: make(chan struct{})}

	if err := c.Run(params, cancel, runner); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-runner.started
	c.Stop()

	if err := c.Wait(); err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestCoordinatorRejectsConcurrentRun(t *testing.T) {
	c := New(NewSemaphore(1))
	params := mustParams(t)
	cancel := mutransfer.NewCancellationToken()
	runner := &fakeRunner{cancel: cancel, started: make(chan struct{})}

	if err := c.Run(params, cancel, runner); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	<-runner.started

	if err := c.Run(params, cancel, &fakeRunner{cancel: cancel, started: make(chan struct{})}); err == nil {
		t.Fatalf("expected second Run on the same coordinator to be rejected")
	}

	c.Stop()
	c.Wait()
}

func TestSemaphoreSerializesAcquisitions(t *testing.T) {
	sem := NewSemaphore(1)
	c1 := New(sem)
	c2 := New(sem)
	params := mustParams(t)

	cancel1 := mutransfer.NewCancellationToken()
	r1 := &fakeRunner{cancel: cancel1, started: make(chan struct{})}
	if err := c1.Run(params, cancel1, r1); err != nil {
		t.Fatalf("Run c1 failed: %v", err)
	}
	<-r1.started

	cancel2 := mutransfer.NewCancellationToken()
	r2 := &fakeRunner{cancel: cancel2, started: make(chan struct{})}
	if err := c2.Run(params, cancel2, r2); err != nil {
		t.Fatalf("Run c2 failed: %v", err)
	}

	select {
	case <-r2.started:
		t.Fatal("second session should not start while the semaphore is held")
	case <-time.After(50 * time.Millisecond):
	}

	c1.Stop()
	c1.Wait()

	select {
	case <-r2.started:
	case <-time.After(time.Second):
		t.Fatal("second session never acquired the semaphore after the first released it")
	}

	c2.Stop()
	c2.Wait()
}
