package protocol

import (
	"encoding/json"
	"fmt"
)

// Methods of the tool protocol the gateway itself originates.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodPing        = "ping"
)

// InitializeParams is the body of the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies the initiator of an initialize exchange.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the subset of the initialize reply the gateway reads.
type InitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// NewInitializeRequest builds the handshake request sent on connect.
func NewInitializeRequest(id json.RawMessage, protocolVersion, clientVersion string) *Message {
	m, _ := NewRequest(id, MethodInitialize, InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: ClientName, Version: clientVersion},
	})
	return m
}

// NewInitializedNotification builds the notification sent after a successful
// initialize reply.
func NewInitializedNotification() *Message {
	m, _ := NewNotification(MethodInitialized, nil)
	return m
}

// ParseInitializeResult extracts the negotiated protocol version and server
// identity from an initialize reply.
func ParseInitializeResult(reply *Message) (*InitializeResult, error) {
	if reply.Error != nil {
		return nil, fmt.Errorf("initialize rejected: %s (code %d)", reply.Error.Message, reply.Error.Code)
	}
	if len(reply.Result) == 0 {
		return nil, fmt.Errorf("initialize reply carries no result")
	}
	var res InitializeResult
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to decode initialize result: %v", err)
	}
	return &res, nil
}
