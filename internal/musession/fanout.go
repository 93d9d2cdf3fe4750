package musession

import (
	"encoding/binary"
	"log"
	"os"
	"sync"

	"github.com/distalsense/megamicro/internal/muh5"
	"github.com/distalsense/megamicro/internal/muhub"
	"github.com/distalsense/megamicro/internal/muqueue"
	"github.com/distalsense/megamicro/internal/mushm"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

var log_ = log.New(os.Stderr, "musession: ", log.LstdFlags)

// FanOut composes C3 (sample queue), C4 (H5 recorder) and C6 (broadcast
// hub) plus an optional user callback into the single Sink the transfer
// or playback engine dispatches each frame to: C3 queue and/or user
// callback and/or C4 writer and/or C6 hub, any subset enabled per session.
type FanOut struct {
	Queue             *muqueue.Queue
	H5                *muh5.Recorder
	Hub               *muhub.Hub
	Shm               *mushm.Writer // optional local tap for same-host monitors
	UserCallback      func(mutransfer.Frame)
	SamplingFrequency float64

	// Cancel is set by a failed H5 write: a recorder error is fatal to
	// the whole session, not locally isolated like a C7 or listener
	// failure.
	Cancel *mutransfer.CancellationToken

	mu       sync.Mutex
	firstErr error
}

// Sink builds the mutransfer.Sink callback that performs the fan-out.
func (f *FanOut) Sink() mutransfer.Sink {
	return mutransfer.Sink{
		Kind: mutransfer.SinkCallback,
		Callback: func(frame mutransfer.Frame) {
			if f.Queue != nil {
				f.Queue.Push(frame)
			}

			if f.H5 != nil {
				if err := f.H5.WriteFrame(frame.Samples, frame.BufferLength(), frame.TransferTimestamp, f.SamplingFrequency); err != nil {
					log_.Printf("h5 write failed, stopping session: %v", err)
					f.recordFatal(err)
					if f.Cancel != nil {
						f.Cancel.Cancel()
					}
				}
			}

			if f.Hub != nil {
				f.Hub.Broadcast(frame)
			}

			if f.Shm != nil {
				if err := f.Shm.WriteFrame(encodeShmFrame(frame.Samples)); err != nil {
					log_.Printf("shm tap write failed: %v", err)
				}
			}

			if f.UserCallback != nil {
				f.UserCallback(frame)
			}
		},
	}
}

// encodeShmFrame serializes rows as contiguous little-endian int32 words,
// row-major, the same wire shape the broadcast hub uses, so a monitor
// reading the shm tap and a websocket listener decode identically.
func encodeShmFrame(rows [][]int32) []byte {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	buf := make([]byte, len(rows)*cols*4)
	off := 0
	for _, row := range rows {
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
			off += 4
		}
	}
	return buf
}

func (f *FanOut) recordFatal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.firstErr == nil {
		f.firstErr = err
	}
}

// FirstError returns the first C4 write failure observed, if any.
// Coordinator does not read it: Wait returns only the runner's own error,
// which is nil when the runner stopped because of the cancellation this
// failure triggered.
func (f *FanOut) FirstError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstErr
}
