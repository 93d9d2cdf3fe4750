// Package mutransfer implements the Transfer Engine (C2): it drives the
// bulk-in endpoint, validates frame integrity via the hardware counter,
// restarts on misalignment, and dispatches validated frames downstream.
package mutransfer

import (
	"log"
	"math"
	"os"
	"time"

	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/musb"
	"github.com/distalsense/megamicro/internal/muparams"
)

const DefaultTransferTimeout = 1000 * time.Millisecond
const flushTimeout = 10 * time.Millisecond

var log_ = log.New(os.Stderr, "mutransfer: ", log.LstdFlags)

// Engine owns the device handle and backend for a session's lifetime.
type Engine struct {
	Handle  *musb.Handle
	Backend Backend
	Params  *muparams.Resolved
	Sink    Sink
	Cancel  *CancellationToken

	restartAttempt int
	transferIndex  int
}

// NewEngine wires a device handle, bulk-in backend and sink together.
func NewEngine(h *musb.Handle, backend Backend, params *muparams.Resolved, sink Sink) *Engine {
	return &Engine{
		Handle:  h,
		Backend: backend,
		Params:  params,
		Sink:    sink,
		Cancel:  NewCancellationToken(),
	}
}

// Run drives the event pump until duration has elapsed, Cancel is set, or
// a fatal error occurs. The device and backend are always released on
// exit, regardless of which way the loop ended.
func (e *Engine) Run() error {
	runErr := e.pump()
	e.shutdown()
	return runErr
}

func (e *Engine) pump() error {
	wordsPerFrame := e.Params.ChannelsPerFrame * e.Params.BufferLength
	bufSize := wordsPerFrame * 4
	maxFrames := e.Params.MaxFrames()
	bufferDuration := float64(e.Params.BufferLength) / e.Params.SamplingFrequency

	var prevCounterEnd int32
	haveprev := false

	for !e.Cancel.Cancelled() {
		buf := make([]byte, bufSize)
		transferTimestamp := float64(time.Now().UnixNano())/1e9 - bufferDuration

		n, status, err := e.Backend.Read(buf, DefaultTransferTimeout)

		switch status {
		case Completed:
			// proceed
		case Cancelled, NoDevice, StatusError, Stall, Overflow:
			log_.Printf("fatal completion status %v: %v", status, err)
			return &muerr.TransportError{Op: "bulk read", Err: err}
		case Timeout:
			if e.Params.StartTrig {
				continue // waiting for trigger edge, resubmit silently
			}
			return &muerr.TransferTimeout{TransferIndex: e.transferIndex}
		}

		if n < bufSize {
			log_.Printf("short transfer: got %d bytes, expected %d; dropping frame", n, bufSize)
			continue
		}

		words := bytesToWords(buf)
		frame := reshapeTranspose(words, e.Params.BufferLength, e.Params.ChannelsPerFrame)
		frame.TransferTimestamp = transferTimestamp

		if e.Params.Counter {
			row := frame.CounterRow()
			first := row[0]
			last := row[len(row)-1]
			if last-first+1 != int32(e.Params.BufferLength) {
				if err := e.handleMisalignment(); err != nil {
					return err
				}
				// A restart breaks continuity with earlier frames.
				haveprev = false
				continue // do not resubmit as a normal frame; restart protocol already resubmitted
			}
			if haveprev && first-prevCounterEnd != 1 {
				if err := e.handleMisalignment(); err != nil {
					return err
				}
				haveprev = false
				continue
			}
			prevCounterEnd = last
			haveprev = true
			e.restartAttempt = 0
		}

		if e.Params.CounterSkip {
			frame = frame.DropRow0()
		}

		e.Sink.Dispatch(frame)

		e.transferIndex++
		if maxFrames > 0 && e.transferIndex >= maxFrames {
			break
		}
	}

	return nil
}

// handleMisalignment runs the restart protocol: bump the attempt counter
// and issue the bare FX3 reset (a subset of reset_full, with no FPGA-level
// reset and no state change), then let the pump resubmit. Channel
// activation and clock divisor are untouched, so frames resume without
// recommissioning the device. After MaxRetryAttempt consecutive
// misalignments, the session is declared fatal.
func (e *Engine) handleMisalignment() error {
	e.restartAttempt++
	if e.restartAttempt >= muparams.MaxRetryAttempt {
		return &muerr.Fatal{Attempts: e.restartAttempt}
	}
	log_.Printf("misalignment detected, restart attempt %d", e.restartAttempt)
	if e.Handle != nil {
		if err := e.Handle.ResetFx3(); err != nil {
			return &muerr.TransportError{Op: "restart reset_fx3", Err: err}
		}
	}
	return nil
}

// shutdown issues stop if the device is Running, flushes the device FIFO
// with up to BuffersNumber short-timeout reads, closes the backend, and
// runs reset_full.
func (e *Engine) shutdown() {
	if e.Handle != nil && e.Handle.State() == musb.Running {
		if err := e.Handle.Stop(); err != nil {
			log_.Printf("stop failed during shutdown: %v", err)
		}
	}

	// Flush: resubmit short-timeout transfers to drain the device FIFO;
	// the callback discards bytes.
	if e.Backend != nil {
		flushBuf := make([]byte, e.Params.ChannelsPerFrame*e.Params.BufferLength*4)
		for i := 0; i < e.Params.BuffersNumber; i++ {
			_, status, _ := e.Backend.Read(flushBuf, flushTimeout)
			if status == Timeout {
				break
			}
		}
		e.Backend.Close()
	}

	if e.Handle != nil {
		if err := e.Handle.ResetFull(); err != nil {
			log_.Printf("final reset_full failed: %v", err)
		}
	}
}

func bytesToWords(buf []byte) []int32 {
	words := make([]int32, len(buf)/4)
	for i := range words {
		off := i * 4
		words[i] = int32(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
	}
	return words
}

// reshapeTranspose turns a flat (buffer_length x channels) word stream
// into a (channels x buffer_length) Frame.
func reshapeTranspose(words []int32, bufferLength, channels int) Frame {
	samples := make([][]int32, channels)
	for c := 0; c < channels; c++ {
		samples[c] = make([]int32, bufferLength)
	}
	for s := 0; s < bufferLength; s++ {
		base := s * channels
		for c := 0; c < channels; c++ {
			samples[c][s] = words[base+c]
		}
	}
	return Frame{Samples: samples}
}

// MaxFramesForDuration exposes ceil(duration*fs/buffer_length) for callers
// building test fixtures independent of a Resolved params struct.
func MaxFramesForDuration(duration, fs float64, bufferLength int) int {
	if duration <= 0 {
		return 0
	}
	return int(math.Ceil(duration * fs / float64(bufferLength)))
}
