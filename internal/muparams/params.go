// Package muparams holds the acquisition parameter value object: the
// caller-supplied map, its resolution into concrete, immutable session
// parameters, and the invariants checked at configure time.
package muparams

import (
	"fmt"
	"math"

	"github.com/distalsense/megamicro/internal/muerr"
)

// Datatype selects how bulk words are interpreted downstream.
type Datatype int

const (
	INT32 Datatype = iota
	FLOAT32
)

func (d Datatype) String() string {
	if d == FLOAT32 {
		return "FLOAT32"
	}
	return "INT32"
}

// Trigger selects how the transfer engine waits for acquisition start.
type Trigger int

const (
	Soft Trigger = iota
	ExternalRisingEdge
)

const (
	// DefaultClockdiv yields the default 50kHz-class sampling frequency.
	DefaultClockdiv = 9
	// MaxSamplingFrequency is the ceiling past which clockdiv is raised.
	MaxSamplingFrequency = 50000.0
	// MinClockdiv is the smallest divisor that keeps fs <= MaxSamplingFrequency.
	MinClockdiv = 9

	DefaultBufferLength  = 512
	DefaultBuffersNumber = 8
	MaxRetryAttempt      = 5

	// MemAmplitude and the Pascal conversion factor, per the device's
	// 24-bit-over-32-bit MEMS sensitivity.
	MemAmplitude = 1 << 23
)

// SensitivityFactor returns the raw-int-to-Pascal conversion factor:
// 1 / (2^23 * 10^(-26/20) / 3.17).
func SensitivityFactor() float64 {
	return 1.0 / (MemAmplitude * math.Pow(10, -26.0/20.0) / 3.17)
}

// H5Options configures the H5 Recorder (C4).
type H5Options struct {
	Enabled         bool
	RootDir         string
	DatasetDuration float64 // seconds
	FileDuration    float64 // seconds; 0 disables rolling within a session's own duration
	Compression     string  // "", "gzip", "lz4", "brotli"
	CompressionLvl  int     // gzip level 0-9
}

// VideoOptions configures the Video Sidecar (C7).
type VideoOptions struct {
	Enabled      bool
	FileDuration float64
	OutputDir    string
}

// PlaybackOptions configures the File Playback Engine (C5).
type PlaybackOptions struct {
	Path      string // file or directory
	StartTime float64 // percentage [0,100] of file duration
	Loop      bool
}

// Raw is the caller-supplied configuration map, as received over the wire
// or from a JSON config file. Configure() turns it into Resolved.
type Raw struct {
	ClockDiv      int
	Mems          []int
	Analogs       []int
	Counter       bool
	CounterSkip   bool
	Status        bool
	BufferLength  int
	BuffersNumber int
	Duration      float64
	Datatype      Datatype
	StartTrig     bool
	Trigger       Trigger
	QueueSize     int
	TotalBeams    int // device beam count, for activate_mems range checks

	H5       H5Options
	Video    VideoOptions
	Playback *PlaybackOptions

	StreamSkip bool // runner muted when listeners are present
}

// Resolved is the immutable value object a session is built from once
// configure() has validated and derived everything.
type Resolved struct {
	SamplingFrequency float64
	Mems              []int
	Analogs           []int
	Counter           bool
	CounterSkip       bool
	Status            bool
	BufferLength      int
	BuffersNumber     int
	Duration          float64
	Datatype          Datatype
	StartTrig         bool
	Trigger           Trigger
	QueueSize         int
	TotalBeams        int

	ChannelsPerFrame int // before counter_skip
	ChannelsAfterSkip int

	H5       H5Options
	Video    VideoOptions
	Playback *PlaybackOptions

	StreamSkip bool
}

// clockdivForFrequency returns the smallest clockdiv that is at least the
// requested value and at least MinClockdiv and keeps
// fs = 500_000 / (clockdiv+1) <= MaxSamplingFrequency.
func clockdivForFrequency(requested int) int {
	cd := requested
	if cd < MinClockdiv {
		cd = MinClockdiv
	}
	for 500000.0/float64(cd+1) > MaxSamplingFrequency {
		cd++
	}
	return cd
}

// Configure applies defaults, validates, and computes derived values.
func Configure(raw Raw) (*Resolved, error) {
	if raw.BufferLength <= 0 {
		raw.BufferLength = DefaultBufferLength
	}
	if raw.BuffersNumber <= 0 {
		raw.BuffersNumber = DefaultBuffersNumber
	}
	if raw.BuffersNumber < 2 {
		return nil, fmt.Errorf("buffers_number must be >= 2, got %d", raw.BuffersNumber)
	}
	if raw.ClockDiv <= 0 {
		raw.ClockDiv = DefaultClockdiv
	}

	if len(raw.Mems) == 0 && len(raw.Analogs) == 0 {
		return nil, fmt.Errorf("mems and analogs cannot both be empty")
	}

	if raw.TotalBeams <= 0 {
		raw.TotalBeams = 4 // 32 channels / 8 per beam
	}
	maxMem := raw.TotalBeams * 8
	for _, m := range raw.Mems {
		if m < 0 || m >= maxMem {
			return nil, &muerr.ChannelOutOfRange{Channel: m, Max: maxMem}
		}
	}

	if raw.CounterSkip && !raw.Counter {
		// counter_skip implies the counter channel must actually be read.
		raw.Counter = true
	}

	clockdiv := clockdivForFrequency(raw.ClockDiv)
	fs := 500000.0 / float64(clockdiv+1)

	counterBit := 0
	if raw.Counter {
		counterBit = 1
	}
	statusBit := 0
	if raw.Status {
		statusBit = 1
	}
	channelsPerFrame := len(raw.Mems) + len(raw.Analogs) + counterBit + statusBit
	channelsAfterSkip := channelsPerFrame
	if raw.CounterSkip {
		channelsAfterSkip--
	}

	if raw.QueueSize < 0 {
		raw.QueueSize = 0
	}

	if raw.H5.Enabled {
		if raw.H5.DatasetDuration <= 0 {
			raw.H5.DatasetDuration = 1.0
		}
	}

	return &Resolved{
		SamplingFrequency: fs,
		Mems:              append([]int(nil), raw.Mems...),
		Analogs:           append([]int(nil), raw.Analogs...),
		Counter:           raw.Counter,
		CounterSkip:       raw.CounterSkip,
		Status:            raw.Status,
		BufferLength:      raw.BufferLength,
		BuffersNumber:     raw.BuffersNumber,
		Duration:          raw.Duration,
		Datatype:          raw.Datatype,
		StartTrig:         raw.StartTrig,
		Trigger:           raw.Trigger,
		QueueSize:         raw.QueueSize,
		TotalBeams:        raw.TotalBeams,
		ChannelsPerFrame:  channelsPerFrame,
		ChannelsAfterSkip: channelsAfterSkip,
		H5:                raw.H5,
		Video:             raw.Video,
		Playback:          raw.Playback,
		StreamSkip:        raw.StreamSkip,
	}, nil
}

// MaxFrames returns ceil(duration*fs / buffer_length), or 0 when unbounded.
func (r *Resolved) MaxFrames() int {
	if r.Duration <= 0 {
		return 0
	}
	total := r.Duration * r.SamplingFrequency
	return int(math.Ceil(total / float64(r.BufferLength)))
}

// HasMem reports whether idx is among the configured mems.
func (r *Resolved) HasMem(idx int) bool {
	for _, m := range r.Mems {
		if m == idx {
			return true
		}
	}
	return false
}

func (r *Resolved) HasAnalog(idx int) bool {
	for _, a := range r.Analogs {
		if a == idx {
			return true
		}
	}
	return false
}
