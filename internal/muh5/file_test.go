package muh5

import (
	"io"
	"testing"
	"time"
)

func buildFrame(channels, bufferLength int, start int32) [][]int32 {
	samples := make([][]int32, channels)
	for c := 0; c < channels; c++ {
		samples[c] = make([]int32, bufferLength)
		for s := 0; s < bufferLength; s++ {
			samples[c][s] = start + int32(c*1000+s)
		}
	}
	return samples
}

func TestFileRollAndDatasetCount(t *testing.T) {
	dir := t.TempDir()
	const channels = 2
	const fs = 10.0
	const datasetDuration = 1.0 // 10 samples per dataset
	const fileDuration = 3.0    // 3 datasets per file

	rec, err := OpenFile(dir, time.Unix(0, 0), Options{
		Channels:          channels,
		SamplingFrequency: fs,
		DatasetDuration:   datasetDuration,
		FileDuration:      fileDuration,
		Datatype:          "INT32",
	})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	bufferLength := 5
	framesNeeded := int(3.5 * fs / float64(bufferLength)) // duration=3.5s
	ts := 0.0
	counter := int32(0)
	for i := 0; i < framesNeeded; i++ {
		samples := buildFrame(channels, bufferLength, counter)
		if err := rec.WriteFrame(samples, bufferLength, ts, fs); err != nil {
			t.Fatalf("WriteFrame %d failed: %v", i, err)
		}
		ts += float64(bufferLength) / fs
		counter += int32(bufferLength)
	}
	firstPath := rec.Path()
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	attrs, err := ReadHeader(firstPath)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if attrs.DatasetNumber != 3 {
		t.Fatalf("expected 3 datasets in first file, got %d", attrs.DatasetNumber)
	}
	if attrs.Duration != attrs.DatasetDuration*float64(attrs.DatasetNumber) {
		t.Fatalf("duration invariant violated: %f != %f*%d", attrs.Duration, attrs.DatasetDuration, attrs.DatasetNumber)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	const channels = 1
	const fs = 8.0
	const datasetDuration = 1.0 // 8 samples

	rec, err := OpenFile(dir, time.Unix(0, 0), Options{
		Channels:          channels,
		SamplingFrequency: fs,
		DatasetDuration:   datasetDuration,
		Datatype:          "INT32",
	})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	frame1 := buildFrame(channels, 8, 0)
	if err := rec.WriteFrame(frame1, 8, 0, fs); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	path := rec.Path()
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	ds, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	for s := 0; s < 8; s++ {
		if ds.Samples[0][s] != frame1[0][s] {
			t.Fatalf("sample %d mismatch: got %d want %d", s, ds.Samples[0][s], frame1[0][s])
		}
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF after one dataset, got %v", err)
	}
}

func TestGzipCompressionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	const channels = 1
	const fs = 4.0

	rec, err := OpenFile(dir, time.Unix(0, 0), Options{
		Channels:          channels,
		SamplingFrequency: fs,
		DatasetDuration:   1.0,
		Compression:       "gzip",
		CompressionLevel:  6,
	})
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	frame := buildFrame(channels, 4, 42)
	if err := rec.WriteFrame(frame, 4, 0, fs); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	path := rec.Path()
	rec.Close()

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()
	ds, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	for s := 0; s < 4; s++ {
		if ds.Samples[0][s] != frame[0][s] {
			t.Fatalf("sample %d mismatch after gzip round trip: got %d want %d", s, ds.Samples[0][s], frame[0][s])
		}
	}
}
