package muh5

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/distalsense/megamicro/internal/muerr"
)

// ReadHeader opens path and returns its root attributes without reading
// any dataset payloads.
func ReadHeader(path string) (RootAttrs, error) {
	f, err := os.Open(path)
	if err != nil {
		return RootAttrs{}, &muerr.PersistenceError{Op: "open for read", Err: err}
	}
	defer f.Close()
	return readHeaderFrom(f)
}

func readHeaderFrom(f *os.File) (RootAttrs, error) {
	padded := make([]byte, headerReserve)
	if _, err := io.ReadFull(f, padded); err != nil {
		return RootAttrs{}, &muerr.PersistenceError{Op: "read header", Err: err}
	}
	n := binary.LittleEndian.Uint32(padded[:4])
	if int(n)+4 > headerReserve {
		return RootAttrs{}, &muerr.PersistenceError{Op: "read header", Err: fmt.Errorf("corrupt header length %d", n)}
	}
	var attrs RootAttrs
	if err := json.Unmarshal(padded[4:4+n], &attrs); err != nil {
		return RootAttrs{}, &muerr.PersistenceError{Op: "unmarshal header", Err: err}
	}
	return attrs, nil
}

// Reader reads datasets back sequentially from an H5 file.
type Reader struct {
	f     *os.File
	Attrs RootAttrs
}

// OpenReader opens path for sequential dataset reads.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &muerr.PersistenceError{Op: "open for read", Err: err}
	}
	attrs, err := readHeaderFrom(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(headerReserve, 0); err != nil {
		f.Close()
		return nil, &muerr.PersistenceError{Op: "seek past header", Err: err}
	}
	return &Reader{f: f, Attrs: attrs}, nil
}

// Dataset is one decoded (channels x dataset_length) block plus its
// capture timestamp.
type Dataset struct {
	Index   int
	Ts      float64
	Samples [][]int32 // channels x dataset_length
}

// Next reads the following dataset, or io.EOF when the file is exhausted.
func (r *Reader) Next() (*Dataset, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r.f, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, io.EOF
		}
		return nil, &muerr.PersistenceError{Op: "read dataset record header", Err: err}
	}
	descLen := binary.LittleEndian.Uint32(lenBuf[0:4])
	payloadLen := binary.LittleEndian.Uint32(lenBuf[4:8])

	descBytes := make([]byte, descLen)
	if _, err := io.ReadFull(r.f, descBytes); err != nil {
		return nil, &muerr.PersistenceError{Op: "read dataset attrs", Err: err}
	}
	var desc DatasetAttrs
	if err := json.Unmarshal(descBytes, &desc); err != nil {
		return nil, &muerr.PersistenceError{Op: "unmarshal dataset attrs", Err: err}
	}

	compressed := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.f, compressed); err != nil {
		return nil, &muerr.PersistenceError{Op: "read dataset payload", Err: err}
	}
	payload, err := Decompress(r.Attrs.Compression, compressed)
	if err != nil {
		return nil, &muerr.PersistenceError{Op: "decompress dataset", Err: err}
	}

	channels := int(r.Attrs.ChannelsNumber)
	datasetLen := int(r.Attrs.DatasetLength)
	samples := make([][]int32, channels)
	for c := 0; c < channels; c++ {
		samples[c] = make([]int32, datasetLen)
		for s := 0; s < datasetLen; s++ {
			off := (c*datasetLen + s) * 4
			samples[c][s] = int32(binary.LittleEndian.Uint32(payload[off : off+4]))
		}
	}

	return &Dataset{Index: desc.Index, Ts: desc.Ts, Samples: samples}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
