// Package mushm implements a shared-memory ring buffer used as a local
// frame tap: the session fan-out publishes each dispatched frame, next to
// the broadcast hub (C6), into a named /dev/shm ring so a same-host process — the CLI's monitor
// subcommand — can read live frames without opening a websocket
// connection. The ring carries length-prefixed frames so a reader
// recovers discrete messages rather than an undifferentiated byte
// stream, layered over an mmap'd header with atomic head/tail cursors.
package mushm

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDir is where rings are created when no directory override is
// given.
const DefaultDir = "/dev/shm"

// header sits at the very beginning of the shared memory region.
type header struct {
	Magic    uint64
	Size     uint64 // ring capacity, excluding this header
	Head     uint64 // writer cursor (byte offset, mod Size)
	Tail     uint64 // reader cursor (byte offset, mod Size)
	Version  uint32
	Channels uint32
}

const (
	headerSize = uint64(unsafe.Sizeof(header{}))
	magicValue = 0x4d45474153484d31 // "MEGASHM1"
	version    = 1
)

// ring is the shared mmap'd region and its parsed header.
type ring struct {
	fd     int
	data   []byte
	hdr    *header
	size   uint64 // ring capacity, excluding the header
	closed bool
}

func open(path string, create bool, size uint64, channels int) (*ring, error) {
	var f int
	var err error
	if create {
		f, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o666)
	} else {
		f, err = unix.Open(path, unix.O_RDWR, 0o666)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	total := size
	if create {
		total = headerSize + size
		if err := unix.Ftruncate(f, int64(total)); err != nil {
			unix.Close(f)
			return nil, fmt.Errorf("ftruncate %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(f, &st); err != nil {
			unix.Close(f)
			return nil, fmt.Errorf("fstat %s: %w", path, err)
		}
		total = uint64(st.Size)
	}

	data, err := unix.Mmap(f, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	r := &ring{fd: f, data: data, size: total - headerSize}
	r.hdr = (*header)(unsafe.Pointer(&data[0]))

	if create {
		r.hdr.Magic = magicValue
		r.hdr.Size = r.size
		r.hdr.Version = version
		r.hdr.Channels = uint32(channels)
		atomic.StoreUint64(&r.hdr.Head, 0)
		atomic.StoreUint64(&r.hdr.Tail, 0)
	} else if r.hdr.Magic != magicValue {
		unix.Munmap(data)
		unix.Close(f)
		return nil, fmt.Errorf("%s: bad magic, not a mushm ring", path)
	}

	return r, nil
}

func (r *ring) close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Munmap(r.data)
	unix.Close(r.fd)
	return nil
}

// writeAt copies p into the ring's payload area starting at byte offset
// pos (mod size), wrapping around the end as needed.
func (r *ring) writeAt(pos uint64, p []byte) {
	body := r.data[headerSize:]
	n := uint64(len(p))
	pos %= r.size
	firstPart := r.size - pos
	if n <= firstPart {
		copy(body[pos:], p)
	} else {
		copy(body[pos:], p[:firstPart])
		copy(body[0:], p[firstPart:])
	}
}

func (r *ring) readAt(pos uint64, n uint64) []byte {
	body := r.data[headerSize:]
	pos %= r.size
	out := make([]byte, n)
	firstPart := r.size - pos
	if n <= firstPart {
		copy(out, body[pos:pos+n])
	} else {
		copy(out, body[pos:])
		copy(out[firstPart:], body[:n-firstPart])
	}
	return out
}

// path joins a ring name onto a directory, defaulting to /dev/shm.
func path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

// Remove deletes a ring's backing file, if present.
func Remove(dir, name string) error {
	err := unix.Unlink(path(dir, name))
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

const frameLenPrefix = 4 // uint32 length prefix per frame

// Writer is the single producer side of a named ring, created fresh by
// the server's run handler at session start.
type Writer struct {
	r *ring
}

// Create allocates (or truncates) a ring of the given capacity under
// dir/name. channels is recorded for a reader's own bookkeeping; it is
// not interpreted here.
func Create(dir, name string, size uint64, channels int) (*Writer, error) {
	r, err := open(path(dir, name), true, size, channels)
	if err != nil {
		return nil, err
	}
	return &Writer{r: r}, nil
}

// WriteFrame publishes one length-prefixed frame. Frames larger than the
// ring's capacity are rejected rather than silently overwriting the
// reader's unread data.
func (w *Writer) WriteFrame(payload []byte) error {
	need := uint64(frameLenPrefix + len(payload))
	if need > w.r.size {
		return fmt.Errorf("frame of %d bytes exceeds ring capacity %d", len(payload), w.r.size)
	}

	head := atomic.LoadUint64(&w.r.hdr.Head)
	var lenBuf [frameLenPrefix]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	w.r.writeAt(head, lenBuf[:])
	w.r.writeAt(head+frameLenPrefix, payload)

	atomic.StoreUint64(&w.r.hdr.Head, (head+need)%w.r.size)
	return nil
}

// Close unmaps and closes the ring. The backing file is left in place;
// callers should Remove it once no reader remains attached.
func (w *Writer) Close() error { return w.r.close() }

// Reader is the single consumer side, opened by a monitoring process
// attaching to an already-running session's ring.
type Reader struct {
	r *ring
}

// Open attaches to an existing ring created by a Writer.
func Open(dir, name string) (*Reader, error) {
	r, err := open(path(dir, name), false, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r}, nil
}

// Channels reports the channel count the writer recorded at creation.
func (rd *Reader) Channels() int { return int(rd.r.hdr.Channels) }

// ReadFrame returns the next unread frame, if any. ok is false when the
// reader has caught up with the writer's head.
func (rd *Reader) ReadFrame() (payload []byte, ok bool) {
	tail := atomic.LoadUint64(&rd.r.hdr.Tail)
	head := atomic.LoadUint64(&rd.r.hdr.Head)
	if tail == head {
		return nil, false
	}

	lenBuf := rd.r.readAt(tail, frameLenPrefix)
	n := binary.LittleEndian.Uint32(lenBuf)
	payload = rd.r.readAt(tail+frameLenPrefix, uint64(n))

	atomic.StoreUint64(&rd.r.hdr.Tail, (tail+frameLenPrefix+uint64(n))%rd.r.size)
	return payload, true
}

// Close unmaps and closes the ring without removing the backing file.
func (rd *Reader) Close() error { return rd.r.close() }
