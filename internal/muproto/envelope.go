// Package muproto implements the websocket wire protocol: a closed set
// of request kinds dispatched to session operations, and the H5 handler
// command surface (directory navigation plus chunked file download), via
// an explicit request/response envelope.
package muproto

import (
	json "github.com/segmentio/encoding/json"
	"github.com/gorilla/websocket"

	"github.com/distalsense/megamicro/internal/muerr"
)

// Request kinds accepted by Dispatcher.Dispatch. Anything else is a
// ProtocolError.
const (
	KindRun        = "run"
	KindListen     = "listen"
	KindStatus     = "status"
	KindParameters = "parameters"
	KindScheduler  = "scheduler"
	KindH5Handler  = "h5handler"
	KindExit       = "exit"
)

// Envelope is the request frame every client message is unmarshalled into.
type Envelope struct {
	Request    string          `json:"request"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Response is the frame every reply is marshalled from.
type Response struct {
	Type     string      `json:"type"`
	Response interface{} `json:"response,omitempty"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Sender is the subset of *websocket.Conn the protocol layer needs,
// narrowed for testability.
type Sender interface {
	WriteMessage(messageType int, data []byte) error
}

// SendResponse marshals and writes a success response.
func SendResponse(conn Sender, response interface{}) error {
	b, err := json.Marshal(Response{Type: "response", Response: response})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// SendError marshals and writes an error response.
func SendError(conn Sender, message string) error {
	b, err := json.Marshal(Response{Type: "error", Response: "NOT OK", Error: "Unable to serve request", Message: message})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Handler processes one request's parameters against an open connection.
type Handler func(conn Sender, params json.RawMessage) error

// Dispatcher maps request kinds to handlers. Requests with no registered
// handler are rejected as a ProtocolError and reported to the caller.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher returns an empty dispatcher; call Register for each kind
// this server instance supports.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds kind to h, overwriting any previous registration.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Dispatch unmarshals raw into an Envelope and invokes the matching
// handler, or reports a ProtocolError for an unknown/malformed request.
func (d *Dispatcher) Dispatch(conn Sender, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		perr := &muerr.ProtocolError{Detail: "malformed request: " + err.Error()}
		_ = SendError(conn, perr.Error())
		return perr
	}

	h, ok := d.handlers[env.Request]
	if !ok {
		perr := &muerr.ProtocolError{Detail: "unknown or invalid request: " + env.Request}
		_ = SendError(conn, "Unknown or invalid request")
		return perr
	}
	return h(conn, env.Parameters)
}
