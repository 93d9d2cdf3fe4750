package muproto

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/segmentio/encoding/json"
	"github.com/gorilla/websocket"
)

// DefaultFileSendingBufferSize is the chunk size h5get streams a file in.
const DefaultFileSendingBufferSize = 1024

// h5Params is the union of every h5handler command's parameters; unused
// fields are simply left zero for commands that don't need them.
type h5Params struct {
	Command  string `json:"command"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// H5Handler services the h5cd/h5ls/*ls/h5pwd/h5cwd/h5get command set
// against a single root directory.
type H5Handler struct {
	RootDir string
}

// Handle dispatches one h5handler request's parameters.
func (h *H5Handler) Handle(conn Sender, raw json.RawMessage) error {
	var p h5Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return SendError(conn, "Bad request with missing parameters")
	}
	if p.Command == "" {
		return SendError(conn, "Bad request with missing command")
	}

	switch p.Command {
	case "h5cd":
		return h.cd(conn, p)
	case "h5ls":
		return h.ls(conn, "*.h5")
	case "*ls":
		return h.ls(conn, "*")
	case "h5pwd":
		return h.pwd(conn)
	case "h5cwd":
		return h.cwd(conn)
	case "h5get":
		return h.get(conn, p)
	default:
		return SendError(conn, fmt.Sprintf("Request failed: unknown command `%s`", p.Command))
	}
}

func (h *H5Handler) cd(conn Sender, p h5Params) error {
	if p.Path == "" {
		return SendError(conn, "Bad request with missing parameter `path`")
	}
	if _, err := os.Stat(p.Path); err != nil {
		return SendError(conn, fmt.Sprintf("Change dir failed: path %s does not exist", p.Path))
	}
	h.RootDir = p.Path
	return SendResponse(conn, "OK")
}

func (h *H5Handler) ls(conn Sender, pattern string) error {
	entries, err := os.ReadDir(h.RootDir)
	if err != nil {
		return SendError(conn, fmt.Sprintf("ls command failed: %v", err))
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return SendResponse(conn, names)
}

func (h *H5Handler) pwd(conn Sender) error {
	abs, err := filepath.Abs(h.RootDir)
	if err != nil {
		return SendError(conn, fmt.Sprintf("h5pwd command failed: %v", err))
	}
	return SendResponse(conn, abs)
}

func (h *H5Handler) cwd(conn Sender) error {
	cwd, err := os.Getwd()
	if err != nil {
		return SendError(conn, fmt.Sprintf("h5cwd command failed: %v", err))
	}
	return SendResponse(conn, cwd)
}

// get streams a file as a START response, a series of binary chunks, and
// a closing STOP response.
func (h *H5Handler) get(conn Sender, p h5Params) error {
	if p.Filename == "" {
		return SendError(conn, "Request failed: filename parameter is missing")
	}
	path := filepath.Join(h.RootDir, p.Filename)
	f, err := os.Open(path)
	if err != nil {
		return SendError(conn, fmt.Sprintf("Request failed: file %s does not exist", path))
	}
	defer f.Close()

	startMsg, err := json.Marshal(struct {
		Type       string `json:"type"`
		Response   string `json:"response"`
		BufferSize int    `json:"buffer_sze"`
	}{Type: "response", Response: "START", BufferSize: DefaultFileSendingBufferSize})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, startMsg); err != nil {
		return err
	}

	buf := make([]byte, DefaultFileSendingBufferSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break
		}
	}

	return SendResponse(conn, "STOP")
}
