// Package muhub implements the Broadcast Hub (C6): one runner socket plus
// many listener sockets, each with its own channel mask, fed from the
// session's frame stream. Modeled on a websocket server's Client/writePump
// pattern, generalized from a single client fan-out to a
// runner-plus-masked-listeners subscription model.
package muhub

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/muparams"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

var log_ = log.New(os.Stderr, "muhub: ", log.LstdFlags)

// subscriber is one websocket connection and its outbound queue, paced by
// its own writePump goroutine so one slow listener never blocks the others.
type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	mask []bool // nil for the runner, who always gets the full frame
}

func newSubscriber(id string, conn *websocket.Conn, mask []bool) *subscriber {
	return &subscriber{id: id, conn: conn, send: make(chan []byte, 64), mask: mask}
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

// Subscription is a listener's requested channel set, validated against
// the session's active parameters before the mask is computed.
type Subscription struct {
	Mems    []int
	Analogs []int
	Counter bool
	Status  bool
}

// Hub owns the runner slot plus the listener list for one session. It is
// created on run and torn down on session end.
type Hub struct {
	mu       sync.RWMutex
	params   *muparams.Resolved
	runner   *subscriber
	listeners map[string]*subscriber

	streamSkip bool

	// RunnerFailed is closed the first time the runner's send fails,
	// signaling the owning session to terminate.
	RunnerFailed chan struct{}
	failOnce     sync.Once
}

// New creates a hub bound to the session's resolved parameters.
func New(params *muparams.Resolved) *Hub {
	return &Hub{
		params:       params,
		listeners:    make(map[string]*subscriber),
		streamSkip:   params.StreamSkip,
		RunnerFailed: make(chan struct{}),
	}
}

// SetRunner installs the slot-0 runner connection, replacing any previous one.
func (h *Hub) SetRunner(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runner = newSubscriber("runner", conn, nil)
	go h.runner.writePump()
}

// AddListener validates sub against the active parameters, computes its
// boolean row mask, and registers a new listener socket. Returns the
// listener's id.
func (h *Hub) AddListener(conn *websocket.Conn, sub Subscription) (string, error) {
	mask, err := h.computeMask(sub)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	s := newSubscriber(id, conn, mask)

	h.mu.Lock()
	h.listeners[id] = s
	h.mu.Unlock()

	go s.writePump()
	return id, nil
}

// computeMask validates each requested channel is present in the active
// session parameters and returns a boolean mask over the frame rows the
// hub actually receives.
//
// Row layout depends on which of counter/status/mems/analogs are active:
// the counter channel occupies row 0 whenever it is read and not yet
// stripped (Counter && !CounterSkip -- once CounterSkip drops it inside
// the transfer engine, the hub never sees that row at all), status comes
// next if active, and mems/analogs follow in that order.
func (h *Hub) computeMask(sub Subscription) ([]bool, error) {
	mems := h.params.Mems
	analogs := h.params.Analogs

	counterRow, statusRow, leading := -1, -1, 0
	if h.params.Counter && !h.params.CounterSkip {
		counterRow = leading
		leading++
	}
	if h.params.Status {
		statusRow = leading
		leading++
	}

	mask := make([]bool, leading+len(mems)+len(analogs))

	if sub.Counter {
		if counterRow < 0 {
			return nil, &muerr.ChannelUnavailable{Channel: -1}
		}
		mask[counterRow] = true
	}
	if sub.Status {
		if statusRow < 0 {
			return nil, &muerr.ChannelUnavailable{Channel: -2}
		}
		mask[statusRow] = true
	}
	for _, m := range sub.Mems {
		idx := indexOf(mems, m)
		if idx < 0 {
			return nil, &muerr.ChannelUnavailable{Channel: m}
		}
		mask[leading+idx] = true
	}
	for _, a := range sub.Analogs {
		idx := indexOf(analogs, a)
		if idx < 0 {
			return nil, &muerr.ChannelUnavailable{Channel: a}
		}
		mask[leading+len(mems)+idx] = true
	}
	return mask, nil
}

func indexOf(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

// RemoveListener evicts a listener, e.g. after a send failure, and closes
// its outbound queue.
func (h *Hub) RemoveListener(id string) {
	h.mu.Lock()
	s, ok := h.listeners[id]
	if ok {
		delete(h.listeners, id)
	}
	h.mu.Unlock()
	if ok {
		close(s.send)
	}
}

// Broadcast dispatches one frame to the runner and every listener per the
// stream_skip re-routing rule: if stream_skip is set and at least one
// listener exists, the runner does not receive the frame.
func (h *Hub) Broadcast(f mutransfer.Frame) {
	h.mu.RLock()
	runner := h.runner
	listeners := make([]*subscriber, 0, len(h.listeners))
	for _, s := range h.listeners {
		listeners = append(listeners, s)
	}
	h.mu.RUnlock()

	if runner != nil && !(h.streamSkip && len(listeners) > 0) {
		h.sendFull(runner, f)
	}

	for _, s := range listeners {
		h.sendMasked(s, f)
	}
}

// sendFull serializes the whole frame as little-endian int32, row-major,
// and queues it for the runner. A failed enqueue (closed/full channel)
// signals session termination.
func (h *Hub) sendFull(s *subscriber, f mutransfer.Frame) {
	defer func() {
		if recover() != nil {
			h.failOnce.Do(func() { close(h.RunnerFailed) })
		}
	}()
	select {
	case s.send <- encodeFrame(f.Samples):
	default:
		log_.Printf("runner send queue full, terminating session")
		h.failOnce.Do(func() { close(h.RunnerFailed) })
	}
}

// sendMasked serializes frame[mask,:] and queues it for one listener. A
// full or closed outbound queue evicts the listener rather than the session.
func (h *Hub) sendMasked(s *subscriber, f mutransfer.Frame) {
	defer func() {
		if recover() != nil {
			h.RemoveListener(s.id)
		}
	}()

	rows := make([][]int32, 0, len(s.mask))
	for i, keep := range s.mask {
		if keep && i < len(f.Samples) {
			rows = append(rows, f.Samples[i])
		}
	}

	select {
	case s.send <- encodeFrame(rows):
	default:
		log_.Printf("listener %s send queue full, evicting: %v", s.id, &muerr.SubscriberGone{ListenerID: s.id})
		h.RemoveListener(s.id)
	}
}

// encodeFrame serializes rows as contiguous little-endian int32 words,
// row-major (channels x samples).
func encodeFrame(rows [][]int32) []byte {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	buf := make([]byte, len(rows)*cols*4)
	off := 0
	for _, row := range rows {
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
			off += 4
		}
	}
	return buf
}

// endOfService is the structured notification sent to every listener
// before the hub disconnects them at session end.
type endOfService struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Close notifies every listener of end-of-service and tears the hub down.
func (h *Hub) Close() {
	h.mu.Lock()
	runner := h.runner
	h.runner = nil
	listeners := h.listeners
	h.listeners = make(map[string]*subscriber)
	h.mu.Unlock()

	notice, _ := json.Marshal(endOfService{Type: "end_of_service", Message: "session ended"})
	for _, s := range listeners {
		select {
		case s.send <- notice:
		default:
		}
		close(s.send)
	}
	if runner != nil {
		close(runner.send)
	}
}
