package muhub

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/muparams"
	"github.com/distalsense/megamicro/internal/mutransfer"
)

// wsPair dials a fresh httptest server and returns the server-accepted
// connection (what the hub holds) and the client-dialed connection (what
// the test reads from to observe what the hub sent).
func wsPair(t *testing.T) (serverSide, clientSide *websocket.Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- conn
		// Keep this goroutine's handler alive for the connection's lifetime
		// by blocking on a read; the test drives cleanup via Close().
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}

	var server *websocket.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		srv.Close()
		client.Close()
		t.Fatalf("server never accepted connection")
	}

	return server, client, func() {
		client.Close()
		server.Close()
		srv.Close()
	}
}

func decodeFrame(buf []byte, channels int) [][]int32 {
	cols := len(buf) / 4 / channels
	out := make([][]int32, channels)
	off := 0
	for c := 0; c < channels; c++ {
		out[c] = make([]int32, cols)
		for s := 0; s < cols; s++ {
			out[c][s] = int32(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
	}
	return out
}

func TestListenerSubsetMask(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1, 2, 3}, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	hubSide, clientSide, cleanup := wsPair(t)
	defer cleanup()

	id, err := hub.AddListener(hubSide, Subscription{Mems: []int{1, 3}})
	if err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	defer hub.RemoveListener(id)

	// session runs mems=[0,1,2,3]; listener subscribes mems=[1,3];
	// runner frame [[a],[b],[c],[d]] -> listener receives [[b],[d]].
	frame := mutransfer.Frame{Samples: [][]int32{{1}, {2}, {3}, {4}}}
	hub.Broadcast(frame)

	clientSide.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := clientSide.ReadMessage()
	if err != nil {
		t.Fatalf("listener did not receive frame: %v", err)
	}

	decoded := decodeFrame(msg, 2)
	want := [][]int32{{2}, {4}}
	for c := range want {
		if decoded[c][0] != want[c][0] {
			t.Fatalf("row %d mismatch: got %d want %d", c, decoded[c][0], want[c][0])
		}
	}
}

func TestComputeMaskRejectsUnknownChannel(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1}, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	_, err = hub.computeMask(Subscription{Mems: []int{5}})
	if _, ok := err.(*muerr.ChannelUnavailable); !ok {
		t.Fatalf("expected ChannelUnavailable, got %v", err)
	}
}

func TestComputeMaskSubset(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1, 2, 3}, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	mask, err := hub.computeMask(Subscription{Mems: []int{1, 3}})
	if err != nil {
		t.Fatalf("computeMask failed: %v", err)
	}
	want := []bool{false, true, false, true}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("mask mismatch at %d: got %v want %v", i, mask, want)
		}
	}
}

func TestComputeMaskWithCounterRowPresent(t *testing.T) {
	// Counter active and not skipped: the transfer engine still dispatches
	// the counter channel at row 0, so a listener asking for mems=[0] must
	// land on row 1, not row 0.
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1}, Counter: true, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	mask, err := hub.computeMask(Subscription{Mems: []int{0}})
	if err != nil {
		t.Fatalf("computeMask failed: %v", err)
	}
	want := []bool{false, true, false}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("mask mismatch at %d: got %v want %v", i, mask, want)
		}
	}
}

func TestComputeMaskCounterAndStatusSubscription(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0}, Counter: true, Status: true, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	mask, err := hub.computeMask(Subscription{Counter: true, Status: true})
	if err != nil {
		t.Fatalf("computeMask failed: %v", err)
	}
	// layout is [counter, status, mem0]
	want := []bool{true, true, false}
	for i := range want {
		if mask[i] != want[i] {
			t.Fatalf("mask mismatch at %d: got %v want %v", i, mask, want)
		}
	}
}

func TestComputeMaskCounterUnavailableWhenSkipped(t *testing.T) {
	// CounterSkip drops the counter row inside the transfer engine before
	// the hub ever sees the frame, so a listener cannot subscribe to it.
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0}, Counter: true, CounterSkip: true, BuffersNumber: 2})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	_, err = hub.computeMask(Subscription{Counter: true})
	if _, ok := err.(*muerr.ChannelUnavailable); !ok {
		t.Fatalf("expected ChannelUnavailable, got %v", err)
	}
}

func TestEncodeFrameRowMajorLittleEndian(t *testing.T) {
	rows := [][]int32{{10, 20}, {30, 40}}
	buf := encodeFrame(rows)
	decoded := decodeFrame(buf, 2)
	for c := range rows {
		for s := range rows[c] {
			if decoded[c][s] != rows[c][s] {
				t.Fatalf("round trip mismatch at [%d][%d]: got %d want %d", c, s, decoded[c][s], rows[c][s])
			}
		}
	}
}

func TestStreamSkipMutesRunnerWhenListenerPresent(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1}, BuffersNumber: 2, StreamSkip: true})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	runnerHubSide, runnerClientSide, cleanupRunner := wsPair(t)
	defer cleanupRunner()
	hub.SetRunner(runnerHubSide)

	listenerHubSide, _, cleanupListener := wsPair(t)
	defer cleanupListener()
	id, err := hub.AddListener(listenerHubSide, Subscription{Mems: []int{0}})
	if err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	defer hub.RemoveListener(id)

	hub.Broadcast(mutransfer.Frame{Samples: [][]int32{{1, 2}, {3, 4}}})

	runnerClientSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = runnerClientSide.ReadMessage()
	if err == nil {
		t.Fatalf("expected runner to receive nothing while stream_skip is active with a listener present")
	}
}

func TestRunnerReceivesFullFrameWithoutListeners(t *testing.T) {
	params, err := muparams.Configure(muparams.Raw{Mems: []int{0, 1}, BuffersNumber: 2, StreamSkip: true})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	hub := New(params)

	runnerHubSide, runnerClientSide, cleanup := wsPair(t)
	defer cleanup()
	hub.SetRunner(runnerHubSide)

	hub.Broadcast(mutransfer.Frame{Samples: [][]int32{{1, 2}, {3, 4}}})

	runnerClientSide.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := runnerClientSide.ReadMessage()
	if err != nil {
		t.Fatalf("runner should receive the full frame when no listeners are subscribed: %v", err)
	}
	decoded := decodeFrame(msg, 2)
	if decoded[0][0] != 1 || decoded[1][1] != 4 {
		t.Fatalf("unexpected frame contents: %v", decoded)
	}
}
