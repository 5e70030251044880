package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// JSONRPCVersion is the only wire version the tool protocol accepts.
const JSONRPCVersion = "2.0"

// ClientName identifies the gateway in initialize handshakes.
const ClientName = "patchbay"

// Message is a JSON-RPC 2.0 envelope of any flavor: request, notification,
// or response. IDs and payloads stay as raw JSON so envelopes relayed
// through the gateway round-trip byte-faithfully.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a JSON-RPC response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether the message is a call expecting a reply.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether the message replies to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// Parse decodes and validates one envelope from the wire.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed envelope: %v", err)
	}
	if m.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Method == "" && len(m.Result) == 0 && m.Error == nil {
		return nil, fmt.Errorf("envelope is neither request, notification, nor response")
	}
	return &m, nil
}

// Encode serializes an envelope for the wire.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = JSONRPCVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %v", err)
	}
	return data, nil
}

// IDKey normalizes a raw JSON-RPC id for map keys and comparison. String
// and numeric ids never collide ("1" and 1 produce distinct keys).
func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return "s:" + s
		}
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return "n:" + n.String()
	}
	return "r:" + string(trimmed)
}

// IDEqual reports whether two raw ids denote the same request.
func IDEqual(a, b json.RawMessage) bool {
	return len(a) > 0 && len(b) > 0 && IDKey(a) == IDKey(b)
}

// IDGenerator hands out monotonically increasing numeric ids. Each adapter
// owns one so gateway-originated calls never collide on a channel.
type IDGenerator struct {
	n atomic.Int64
}

// Next returns the next id as raw JSON.
func (g *IDGenerator) Next() json.RawMessage {
	return json.RawMessage(strconv.FormatInt(g.n.Add(1), 10))
}

// NewRequest builds a request envelope, marshaling params.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for %s: %v", method, err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) (*Message, error) {
	m, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	m.ID = nil
	return m, nil
}
