package mutransfer

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// CompletionStatus classifies a bulk-in completion, mirroring the libusb
// transfer status values the original device driver observes.
type CompletionStatus int

const (
	Completed CompletionStatus = iota
	Cancelled
	NoDevice
	StatusError
	Stall
	Overflow
	Timeout
)

// Backend abstracts the bulk-in endpoint so the engine can run against
// real hardware or a simulated data source identically.
type Backend interface {
	// Read fills buf with one transfer's worth of bytes, blocking up to
	// timeout. It returns the completion classification and byte count.
	Read(buf []byte, timeout time.Duration) (n int, status CompletionStatus, err error)
	Close() error
}

// FileBackend reads the bulk-in endpoint from a device node or named pipe.
type FileBackend struct {
	path string
	fd   int
	open bool
}

// NewFileBackend opens path for reading and tunes the pipe buffer size.
func NewFileBackend(path string) (*FileBackend, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open bulk-in endpoint %s: %w", path, err)
	}
	const maxPipeSize = 1024 * 1024
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)
	return &FileBackend{path: path, fd: fd, open: true}, nil
}

func (b *FileBackend) Read(buf []byte, timeout time.Duration) (int, CompletionStatus, error) {
	if !b.open {
		return 0, NoDevice, fmt.Errorf("backend closed")
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		total := 0
		for total < len(buf) {
			n, err := unix.Read(b.fd, buf[total:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				done <- result{total, err}
				return
			}
			if n == 0 {
				break
			}
			total += n
		}
		done <- result{total, nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.n, StatusError, r.err
		}
		return r.n, Completed, nil
	case <-time.After(timeout):
		return 0, Timeout, nil
	}
}

func (b *FileBackend) Close() error {
	if !b.open {
		return nil
	}
	b.open = false
	return unix.Close(b.fd)
}
