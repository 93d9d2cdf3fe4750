package muqueue

import (
	"testing"
	"time"

	"github.com/distalsense/megamicro/internal/mutransfer"
)

func frameTagged(tag int32) mutransfer.Frame {
	return mutransfer.Frame{Samples: [][]int32{{tag}}}
}

func TestNewestWinsEviction(t *testing.T) {
	q := New(1)
	q.Push(frameTagged('A'))
	q.Push(frameTagged('B'))
	q.Push(frameTagged('C'))

	f, err := q.Take(time.Second)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if f.Samples[0][0] != 'C' {
		t.Fatalf("expected newest frame 'C', got %q", f.Samples[0][0])
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to be drained, len=%d", q.Len())
	}
}

func TestUnboundedKeepsAll(t *testing.T) {
	q := New(0)
	for i := 0; i < 5; i++ {
		q.Push(frameTagged(int32(i)))
	}
	if q.Len() != 5 {
		t.Fatalf("expected 5 items, got %d", q.Len())
	}
}

func TestTakeTimesOutWhenEmpty(t *testing.T) {
	q := New(0)
	_, err := q.Take(50 * time.Millisecond)
	if err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}
