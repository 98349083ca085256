package ipc

import "encoding/json"

// Message type constants for IPC communication.
const (
	TypeHello      = "hello"
	TypeHelloOK    = "hello_ok"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypeEvent      = "event"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeDisconnect = "disconnect"
)

// MaxMessageSize is the maximum size of a JSON IPC message (16MB). Base64
// snapshot bundles and write-file buffers are the largest payloads.
const MaxMessageSize = 16 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Code is a machine-readable error class such as "device_not_found".
	Code string `json:"code,omitempty"`
	HMAC string `json:"hmac"`
}

// Hello is the first message a client sends after connecting.
type Hello struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Client          string `json:"client"`
	PID             int    `json:"pid"`
	// Subscribe lists event names the client wants; empty means all.
	Subscribe []string `json:"subscribe,omitempty"`
}

// HelloOK is the daemon's reply to Hello.
type HelloOK struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Version    string `json:"version,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Request invokes one named command on the daemon.
type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Event is pushed from the daemon to subscribed clients.
type Event struct {
	Name    string          `json:"name"`
	Session string          `json:"session,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
