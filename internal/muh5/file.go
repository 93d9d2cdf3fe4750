// Package muh5 implements the H5 Recorder (C4): it cuts the incoming
// stream into fixed-duration datasets, rolls files at a file-duration
// threshold, and persists each dataset with an optional codec. The
// on-disk layout follows an HDF5-like group/attribute model but is
// self-contained (no HDF5 C library is available) — see DESIGN.md.
package muh5

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/distalsense/megamicro/internal/muerr"
)

const headerReserve = 16384

// RootAttrs mirrors the /muh5 group's root attributes.
type RootAttrs struct {
	Date              string    `json:"date"`
	Timestamp         float64   `json:"timestamp"`
	DatasetNumber     uint32    `json:"dataset_number"`
	DatasetDuration   float64   `json:"dataset_duration"`
	DatasetLength     uint32    `json:"dataset_length"`
	ChannelsNumber    uint32    `json:"channels_number"`
	SamplingFrequency float64   `json:"sampling_frequency"`
	Duration          float64   `json:"duration"`
	Datatype          string    `json:"datatype"`
	Mems              []uint32  `json:"mems"`
	Analogs           []uint32  `json:"analogs"`
	Counter           bool      `json:"counter"`
	CounterSkip       bool      `json:"counter_skip"`
	Compression       string    `json:"compression"`
	CompressionLevel  int       `json:"compression_level"`
}

// DatasetAttrs mirrors /muh5/<i> group attributes: the dataset's index
// within its file and its "ts" capture timestamp.
type DatasetAttrs struct {
	Index int     `json:"index"`
	Ts    float64 `json:"ts"`
}

// Recorder owns the in-memory dataset cache, cursor and open file.
type Recorder struct {
	rootDir string

	f    *os.File
	path string

	attrs RootAttrs

	channels     int
	datasetLen   int
	targetPerFile int // floor(file_duration / dataset_duration)

	cache        [][]int32 // channels x datasetLen
	cursor       int
	datasetTs    float64
	datasetIndex int // count of datasets committed in the current file

	compression string
	level       int
}

// Options bundles the parameters OpenFile needs beyond the root directory.
type Options struct {
	Channels          int
	SamplingFrequency float64
	DatasetDuration   float64
	FileDuration      float64 // 0 disables rolling
	Datatype          string
	Mems              []int
	Analogs           []int
	Counter           bool
	CounterSkip       bool
	Compression       string
	CompressionLevel  int
}

// OpenFile creates muh5-YYYYMMDD-HHMMSS.h5 under rootDir and writes the
// initial root attributes.
func OpenFile(rootDir string, startTimestamp time.Time, opts Options) (*Recorder, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, &muerr.PersistenceError{Op: "mkdir", Err: err}
	}

	name := fmt.Sprintf("muh5-%s.h5", startTimestamp.UTC().Format("20060102-150405"))
	path := filepath.Join(rootDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, &muerr.PersistenceError{Op: "create", Err: err}
	}

	datasetLen := int(math.Round(opts.SamplingFrequency * opts.DatasetDuration))
	if datasetLen <= 0 {
		datasetLen = 1
	}

	targetPerFile := 0
	if opts.FileDuration > 0 && opts.DatasetDuration > 0 {
		targetPerFile = int(math.Floor(opts.FileDuration / opts.DatasetDuration))
	}

	mems32 := toUint32(opts.Mems)
	analogs32 := toUint32(opts.Analogs)

	r := &Recorder{
		rootDir:       rootDir,
		f:             f,
		path:          path,
		channels:      opts.Channels,
		datasetLen:    datasetLen,
		targetPerFile: targetPerFile,
		compression:   opts.Compression,
		level:         opts.CompressionLevel,
		attrs: RootAttrs{
			Date:              startTimestamp.UTC().Format("2006-01-02"),
			Timestamp:         float64(startTimestamp.UnixNano()) / 1e9,
			DatasetDuration:   opts.DatasetDuration,
			DatasetLength:     uint32(datasetLen),
			ChannelsNumber:    uint32(opts.Channels),
			SamplingFrequency: opts.SamplingFrequency,
			Datatype:          opts.Datatype,
			Mems:              mems32,
			Analogs:           analogs32,
			Counter:           opts.Counter,
			CounterSkip:       opts.CounterSkip,
			Compression:       opts.Compression,
			CompressionLevel:  opts.CompressionLevel,
		},
	}

	r.cache = make([][]int32, opts.Channels)
	for c := range r.cache {
		r.cache[c] = make([]int32, datasetLen)
	}

	if err := r.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(headerReserve, 0); err != nil {
		f.Close()
		return nil, &muerr.PersistenceError{Op: "seek past header", Err: err}
	}

	return r, nil
}

func toUint32(in []int) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

// writeHeader (re)writes the fixed-size header region at file offset 0.
func (r *Recorder) writeHeader() error {
	b, err := json.Marshal(r.attrs)
	if err != nil {
		return &muerr.PersistenceError{Op: "marshal header", Err: err}
	}
	if len(b)+4 > headerReserve {
		return &muerr.PersistenceError{Op: "write header", Err: fmt.Errorf("header %d bytes exceeds reserve %d", len(b), headerReserve)}
	}
	padded := make([]byte, headerReserve)
	binary.LittleEndian.PutUint32(padded[:4], uint32(len(b)))
	copy(padded[4:], b)

	if _, err := r.f.WriteAt(padded, 0); err != nil {
		return &muerr.PersistenceError{Op: "write header", Err: err}
	}
	return nil
}

// WriteFrame implements the C4 algorithm: it either appends the whole
// frame into the dataset cache or splits it across a dataset boundary,
// rolling files as needed. bufferLength is frame.BufferLength().
func (r *Recorder) WriteFrame(samples [][]int32, bufferLength int, transferTimestamp, fs float64) error {
	if len(samples) != r.channels {
		return &muerr.PersistenceError{Op: "write_frame", Err: fmt.Errorf("channel count %d != recorder channels %d", len(samples), r.channels)}
	}

	remaining := bufferLength
	srcOff := 0

	for remaining > 0 {
		room := r.datasetLen - r.cursor
		if r.cursor == 0 {
			r.datasetTs = transferTimestamp + float64(srcOff)/fs
		}

		if remaining <= room {
			for c := 0; c < r.channels; c++ {
				copy(r.cache[c][r.cursor:r.cursor+remaining], samples[c][srcOff:srcOff+remaining])
			}
			r.cursor += remaining
			remaining = 0
			if r.cursor == r.datasetLen {
				if err := r.commitDataset(); err != nil {
					return err
				}
				r.cursor = 0
			}
		} else {
			for c := 0; c < r.channels; c++ {
				copy(r.cache[c][r.cursor:r.datasetLen], samples[c][srcOff:srcOff+room])
			}
			if err := r.commitDataset(); err != nil {
				return err
			}
			srcOff += room
			remaining -= room
			r.cursor = 0
		}
	}
	return nil
}

// commitDataset persists the filled cache as the next dataset, rolling
// to a new file first if the current one is full.
func (r *Recorder) commitDataset() error {
	if r.targetPerFile > 0 && r.datasetIndex >= r.targetPerFile {
		if err := r.roll(); err != nil {
			return err
		}
	}

	payload := make([]byte, r.channels*r.datasetLen*4)
	for c := 0; c < r.channels; c++ {
		for s := 0; s < r.datasetLen; s++ {
			binary.LittleEndian.PutUint32(payload[(c*r.datasetLen+s)*4:], uint32(r.cache[c][s]))
		}
	}

	compressed, err := Compress(r.compression, r.level, payload)
	if err != nil {
		return &muerr.PersistenceError{Op: "compress dataset", Err: err}
	}

	desc := DatasetAttrs{Index: r.datasetIndex, Ts: r.datasetTs}
	descBytes, err := json.Marshal(desc)
	if err != nil {
		return &muerr.PersistenceError{Op: "marshal dataset attrs", Err: err}
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(descBytes)))
	binary.LittleEndian.PutUint32(lenBuf[4:8], uint32(len(compressed)))
	if _, err := r.f.Write(lenBuf[:]); err != nil {
		return &muerr.PersistenceError{Op: "write dataset record header", Err: err}
	}
	if _, err := r.f.Write(descBytes); err != nil {
		return &muerr.PersistenceError{Op: "write dataset attrs", Err: err}
	}
	if _, err := r.f.Write(compressed); err != nil {
		return &muerr.PersistenceError{Op: "write dataset payload", Err: err}
	}

	r.datasetIndex++
	r.attrs.DatasetNumber = uint32(r.datasetIndex)
	r.attrs.Duration = float64(r.datasetIndex) * r.attrs.DatasetDuration
	if err := r.writeHeader(); err != nil {
		return err
	}

	for c := range r.cache {
		r.cache[c] = make([]int32, r.datasetLen)
	}
	return nil
}

// roll closes the current file and opens a fresh one, carrying forward
// session-wide attributes but resetting dataset_index to zero.
func (r *Recorder) roll() error {
	opts := Options{
		Channels:          r.channels,
		SamplingFrequency: r.attrs.SamplingFrequency,
		DatasetDuration:   r.attrs.DatasetDuration,
		FileDuration:      float64(r.targetPerFile) * r.attrs.DatasetDuration,
		Datatype:          r.attrs.Datatype,
		Counter:           r.attrs.Counter,
		CounterSkip:       r.attrs.CounterSkip,
		Compression:       r.compression,
		CompressionLevel:  r.level,
	}
	for _, m := range r.attrs.Mems {
		opts.Mems = append(opts.Mems, int(m))
	}
	for _, a := range r.attrs.Analogs {
		opts.Analogs = append(opts.Analogs, int(a))
	}

	if err := r.f.Close(); err != nil {
		return &muerr.PersistenceError{Op: "close file for roll", Err: err}
	}

	next, err := OpenFile(r.rootDir, time.Now(), opts)
	if err != nil {
		return err
	}

	r.f = next.f
	r.path = next.path
	r.attrs.Timestamp = next.attrs.Timestamp
	r.attrs.Date = next.attrs.Date
	r.attrs.DatasetNumber = 0
	r.attrs.Duration = 0
	r.datasetIndex = 0
	return r.writeHeader()
}

// Close closes the current file. The header already reflects every
// committed dataset; a partially-filled trailing dataset is left
// unpersisted.
func (r *Recorder) Close() error {
	if err := r.f.Close(); err != nil {
		return &muerr.PersistenceError{Op: "close", Err: err}
	}
	return nil
}

// Path returns the currently open file's path.
func (r *Recorder) Path() string { return r.path }
