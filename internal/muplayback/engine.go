// Package muplayback implements the File Playback Engine (C5): it
// replays H5 datasets at the configured buffer_length, paced to the
// recorded sampling frequency, honoring start offset and loop.
package muplayback

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/muh5"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

var log_ = log.New(os.Stderr, "muplayback: ", log.LstdFlags)

// Request describes what a caller wants replayed.
type Request struct {
	Path              string // file or directory
	Mems              []int
	Analogs           []int
	BufferLength      int
	SamplingFrequency float64 // requested fs; overridden by the file's own if they disagree
	StartTime         float64 // percentage [0,100]
	Loop              bool
}

// Engine replays one or more H5 files through a Sink, pacing emission to
// the file's recorded sampling frequency.
type Engine struct {
	req    Request
	Sink   mutransfer.Sink
	Cancel *mutransfer.CancellationToken

	files []string
}

// New resolves req.Path into an ordered file list and validates it's non-empty.
func New(req Request, sink mutransfer.Sink) (*Engine, error) {
	files, err := listFiles(req.Path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &muerr.PersistenceError{Op: "playback", Err: fmt.Errorf("no .h5 files found at %s", req.Path)}
	}
	return &Engine{req: req, Sink: sink, Cancel: mutransfer.NewCancellationToken(), files: files}, nil
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &muerr.PersistenceError{Op: "stat playback path", Err: err}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &muerr.PersistenceError{Op: "readdir playback path", Err: err}
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".h5" {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

const processingDelayFactor = 0.2

// Run replays every file in order, looping from the start if req.Loop is set.
func (e *Engine) Run() error {
	fileIdx := 0
	startTime := e.req.StartTime

	for {
		if e.Cancel.Cancelled() {
			return nil
		}
		if fileIdx >= len(e.files) {
			if e.req.Loop {
				fileIdx = 0
				startTime = 0
				continue
			}
			return &muerr.PlaybackExhausted{}
		}

		err := e.playFile(e.files[fileIdx], startTime)
		startTime = 0 // only the very first file honors a nonzero start offset
		if err != nil {
			if _, ok := err.(*muerr.PlaybackExhausted); ok {
				fileIdx++
				continue
			}
			return err
		}
		fileIdx++
	}
}

// playFile replays a single file from startTimePct% of its duration.
func (e *Engine) playFile(path string, startTimePct float64) error {
	r, err := muh5.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	attrs := r.Attrs
	fs := attrs.SamplingFrequency

	if err := e.validateChannels(attrs); err != nil {
		return err
	}
	_, maskedChannels := e.buildMask(attrs)
	if e.req.SamplingFrequency != 0 && e.req.SamplingFrequency != fs {
		log_.Printf("%s: requested sampling_frequency %.1f overridden by file's recorded %.1f", path, e.req.SamplingFrequency, fs)
	}

	datasetLen := int(attrs.DatasetLength)
	totalSamples := int(attrs.DatasetNumber) * datasetLen
	startSamples := int(math.Floor(startTimePct / 100.0 * float64(totalSamples)))
	startDataset := startSamples / datasetLen
	startOffset := startSamples % datasetLen

	// Skip to the starting dataset.
	var cur *muh5.Dataset
	for i := 0; i <= startDataset; i++ {
		cur, err = r.Next()
		if err != nil {
			return &muerr.PlaybackExhausted{}
		}
	}
	cursor := startOffset

	bufferLength := e.req.BufferLength
	bufferDuration := float64(bufferLength) / fs
	processingDelay := processingDelayFactor * bufferDuration
	startWall := time.Now()

	frameN := 0
	for {
		if e.Cancel.Cancelled() {
			return nil
		}

		out := make([][]int32, len(maskedChannels))
		for i := range out {
			out[i] = make([]int32, 0, bufferLength)
		}

		need := bufferLength
		for need > 0 {
			avail := len(cur.Samples[0]) - cursor
			if avail <= 0 {
				cur, err = r.Next()
				if err != nil {
					return &muerr.PlaybackExhausted{}
				}
				cursor = 0
				continue
			}
			take := avail
			if take > need {
				take = need
			}
			for i, ch := range maskedChannels {
				out[i] = append(out[i], cur.Samples[ch][cursor:cursor+take]...)
			}
			cursor += take
			need -= take
		}

		elapsed := time.Since(startWall).Seconds()
		target := float64(frameN) * bufferDuration
		if elapsed < target-processingDelay {
			time.Sleep(time.Duration((target - processingDelay - elapsed) * float64(time.Second)))
		}

		e.Sink.Dispatch(mutransfer.Frame{Samples: out, TransferTimestamp: float64(time.Now().UnixNano()) / 1e9})
		frameN++
	}
}

// validateChannels fails ChannelUnavailable if any requested channel is
// absent from the file's recorded mems/analogs.
func (e *Engine) validateChannels(attrs muh5.RootAttrs) error {
	for _, m := range e.req.Mems {
		if !containsU32(attrs.Mems, m) {
			return &muerr.ChannelUnavailable{Channel: m}
		}
	}
	for _, a := range e.req.Analogs {
		if !containsU32(attrs.Analogs, a) {
			return &muerr.ChannelUnavailable{Channel: a}
		}
	}
	return nil
}

func containsU32(xs []uint32, v int) bool {
	for _, x := range xs {
		if int(x) == v {
			return true
		}
	}
	return false
}

// buildMask returns a boolean mask (unused directly, kept for callers
// that want it) and the list of row indices to forward.
func (e *Engine) buildMask(attrs muh5.RootAttrs) ([]bool, []int) {
	total := len(attrs.Mems) + len(attrs.Analogs)
	mask := make([]bool, total)
	var rows []int

	for i, m := range attrs.Mems {
		if containsInt(e.req.Mems, int(m)) {
			mask[i] = true
			rows = append(rows, i)
		}
	}
	offset := len(attrs.Mems)
	for i, a := range attrs.Analogs {
		if containsInt(e.req.Analogs, int(a)) {
			mask[offset+i] = true
			rows = append(rows, offset+i)
		}
	}
	return mask, rows
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
