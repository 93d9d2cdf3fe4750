// Package muvideo implements the Video Sidecar (C7) at the concurrency
// level this system cares about: a frame-paced writer that rolls output
// files at a duration boundary, coupled to the transfer engine only
// through a shared cancellation flag. Camera capture and video codecs
// are external collaborators represented here by the Source interface;
// see DESIGN.md for why this boundary is drawn here.
package muvideo

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/distalsense/megamicro/internal/mutransfer"
)

var log_ = log.New(os.Stderr, "muvideo: ", log.LstdFlags)

// Source produces one frame's raw bytes and its capture timestamp.
// Implementations wrap whatever camera/codec a deployment uses; muvideo
// itself is agnostic to the encoding.
type Source interface {
	NextFrame() (data []byte, ts float64, err error)
}

// Options configures the sidecar writer.
type Options struct {
	OutputDir    string
	FileDuration float64 // seconds; 0 disables rolling
}

// Sidecar runs a frame-paced capture/write loop in parallel with a
// transfer engine, coupled to it only via Cancel.
type Sidecar struct {
	Source Source
	Cancel *mutransfer.CancellationToken
	opts   Options

	f            *os.File
	path         string
	fileStart    time.Time
	framesInFile int
}

// New creates a sidecar writing under opts.OutputDir, sharing cancel with
// the owning session's transfer engine.
func New(source Source, cancel *mutransfer.CancellationToken, opts Options) *Sidecar {
	return &Sidecar{Source: source, Cancel: cancel, opts: opts}
}

// Run pulls frames from Source until Cancel fires or Source returns an
// error, writing each to the current rolling output file. A Source error
// is logged and stops only this sidecar — it never reaches C2.
func (s *Sidecar) Run() {
	defer s.close()

	if err := s.roll(); err != nil {
		log_.Printf("failed to open initial video file: %v", err)
		return
	}

	for !s.Cancel.Cancelled() {
		data, ts, err := s.Source.NextFrame()
		if err != nil {
			log_.Printf("video source error, stopping sidecar: %v", err)
			return
		}

		if s.opts.FileDuration > 0 && time.Since(s.fileStart).Seconds() >= s.opts.FileDuration {
			if err := s.roll(); err != nil {
				log_.Printf("failed to roll video file: %v", err)
				return
			}
		}

		if err := s.writeFrame(data, ts); err != nil {
			log_.Printf("failed to write video frame: %v", err)
			return
		}
	}
}

// writeFrame appends one length-prefixed (timestamp, data) record.
func (s *Sidecar) writeFrame(data []byte, ts float64) error {
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(int64(ts*1e9)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(data)))
	if _, err := s.f.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.f.Write(data); err != nil {
		return err
	}
	s.framesInFile++
	return nil
}

// roll closes the current output file, if any, and opens a fresh one
// named by the current wall-clock time.
func (s *Sidecar) roll() error {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(s.opts.OutputDir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("muvideo-%s.cv", time.Now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(s.opts.OutputDir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	s.f = f
	s.path = path
	s.fileStart = time.Now()
	s.framesInFile = 0
	return nil
}

// close flushes and closes the current output file. Called even when C2
// has already failed, so the sidecar's own data is never silently lost.
func (s *Sidecar) close() {
	if s.f == nil {
		return
	}
	if err := s.f.Close(); err != nil {
		log_.Printf("error closing video file %s: %v", s.path, err)
	}
}
