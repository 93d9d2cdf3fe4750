package mutransfer

import (
	"encoding/binary"
	"time"
)

// QueueBackend is an in-process Backend used by tests: it serves
// pre-generated transfer buffers directly, without any file or pipe,
// letting tests inject exact counter sequences and misalignments. Once
// exhausted it reports NoDevice, ending the session the way a detached
// device would.
type QueueBackend struct {
	Buffers [][]byte
	idx     int
}

func (b *QueueBackend) Read(buf []byte, _ time.Duration) (int, CompletionStatus, error) {
	if b.idx >= len(b.Buffers) {
		return 0, NoDevice, nil
	}
	src := b.Buffers[b.idx]
	b.idx++
	n := copy(buf, src)
	return n, Completed, nil
}

func (b *QueueBackend) Close() error { return nil }

// GenerateCounterStream builds numFrames transfers of channelsPerFrame x
// bufferLength words where channel 0 is a monotonically increasing
// counter. If misalignAt >= 0, a gap of 7 is injected after that frame,
// so the following frame's counter does not continue from it.
func GenerateCounterStream(numFrames, channelsPerFrame, bufferLength, misalignAt int) [][]byte {
	out := make([][]byte, numFrames)
	counter := int32(0)
	for f := 0; f < numFrames; f++ {
		words := make([]int32, bufferLength*channelsPerFrame)
		for s := 0; s < bufferLength; s++ {
			base := s * channelsPerFrame
			words[base] = counter
			for c := 1; c < channelsPerFrame; c++ {
				words[base+c] = int32(c)
			}
			counter++
		}
		if f == misalignAt {
			counter += 7 // inject a gap
		}
		buf := make([]byte, len(words)*4)
		for i, w := range words {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(w))
		}
		out[f] = buf
	}
	return out
}
