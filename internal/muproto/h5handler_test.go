package muproto

import (
	"os"
	"path/filepath"
	"testing"

	json "github.com/segmentio/encoding/json"
	"github.com/gorilla/websocket"
)

// recordingSender captures every WriteMessage call for assertions,
// standing in for a real *websocket.Conn.
type recordingSender struct {
	messages []recorded
}

type recorded struct {
	msgType int
	data    []byte
}

func (r *recordingSender) WriteMessage(messageType int, data []byte) error {
	cp := append([]byte(nil), data...)
	r.messages = append(r.messages, recorded{msgType: messageType, data: cp})
	return nil
}

func (r *recordingSender) lastResponse(t *testing.T) Response {
	t.Helper()
	if len(r.messages) == 0 {
		t.Fatalf("no messages recorded")
	}
	last := r.messages[len(r.messages)-1]
	var resp Response
	if err := json.Unmarshal(last.data, &resp); err != nil {
		t.Fatalf("failed to unmarshal last message: %v", err)
	}
	return resp
}

func TestH5HandlerPwdAndCwd(t *testing.T) {
	dir := t.TempDir()
	h := &H5Handler{RootDir: dir}
	sender := &recordingSender{}

	if err := h.Handle(sender, json.RawMessage(`{"command":"h5pwd"}`)); err != nil {
		t.Fatalf("h5pwd failed: %v", err)
	}
	resp := sender.lastResponse(t)
	abs, _ := filepath.Abs(dir)
	if resp.Response != abs {
		t.Fatalf("expected pwd %s, got %v", abs, resp.Response)
	}

	if err := h.Handle(sender, json.RawMessage(`{"command":"h5cwd"}`)); err != nil {
		t.Fatalf("h5cwd failed: %v", err)
	}
	resp = sender.lastResponse(t)
	cwd, _ := os.Getwd()
	if resp.Response != cwd {
		t.Fatalf("expected cwd %s, got %v", cwd, resp.Response)
	}
}

func TestH5HandlerLsFiltersH5Files(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.h5"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("y"), 0644)

	h := &H5Handler{RootDir: dir}
	sender := &recordingSender{}
	if err := h.Handle(sender, json.RawMessage(`{"command":"h5ls"}`)); err != nil {
		t.Fatalf("h5ls failed: %v", err)
	}
	resp := sender.lastResponse(t)
	names, ok := resp.Response.([]interface{})
	if !ok || len(names) != 1 || names[0] != "a.h5" {
		t.Fatalf("expected [a.h5], got %v", resp.Response)
	}
}

func TestH5HandlerGetStreamsFileWithStartAndStop(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello world")
	os.WriteFile(filepath.Join(dir, "sample.h5"), content, 0644)

	h := &H5Handler{RootDir: dir}
	sender := &recordingSender{}
	if err := h.Handle(sender, json.RawMessage(`{"command":"h5get","filename":"sample.h5"}`)); err != nil {
		t.Fatalf("h5get failed: %v", err)
	}

	if len(sender.messages) < 3 {
		t.Fatalf("expected at least START, data, STOP messages, got %d", len(sender.messages))
	}
	first := sender.messages[0]
	if first.msgType != websocket.TextMessage {
		t.Fatalf("expected first message to be text (START), got type %d", first.msgType)
	}
	var start Response
	json.Unmarshal(first.data, &start)
	if start.Response != "START" {
		t.Fatalf("expected START response, got %v", start.Response)
	}

	last := sender.messages[len(sender.messages)-1]
	var stop Response
	json.Unmarshal(last.data, &stop)
	if stop.Response != "STOP" {
		t.Fatalf("expected STOP response, got %v", stop.Response)
	}

	var got []byte
	for _, m := range sender.messages[1 : len(sender.messages)-1] {
		if m.msgType != websocket.BinaryMessage {
			t.Fatalf("expected binary chunk, got type %d", m.msgType)
		}
		got = append(got, m.data...)
	}
	if string(got) != string(content) {
		t.Fatalf("file content mismatch: got %q want %q", got, content)
	}
}

func TestH5HandlerUnknownCommand(t *testing.T) {
	h := &H5Handler{RootDir: t.TempDir()}
	sender := &recordingSender{}
	if err := h.Handle(sender, json.RawMessage(`{"command":"bogus"}`)); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	resp := sender.lastResponse(t)
	if resp.Type != "error" {
		t.Fatalf("expected error response for unknown command, got %v", resp)
	}
}

func TestDispatcherRejectsUnknownRequest(t *testing.T) {
	d := NewDispatcher()
	sender := &recordingSender{}
	err := d.Dispatch(sender, []byte(`{"request":"bogus"}`))
	if err == nil {
		t.Fatalf("expected ProtocolError for unknown request")
	}
}
