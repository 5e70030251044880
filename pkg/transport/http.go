package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/types"
	"github.com/patchbay-dev/patchbay/pkg/version"
)

const (
	// sessionHeader carries the backend-assigned session across calls.
	sessionHeader = "Mcp-Session-Id"

	// maxErrorBody bounds how much of an HTTP error body lands in messages.
	maxErrorBody = 1024
)

// httpAdapter speaks the tool protocol over one HTTP POST per envelope.
// Calls multiplex freely; correlation falls out of HTTP request/response
// pairing, with the reply id checked against the request id.
type httpAdapter struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	client *http.Client
	ids    protocol.IDGenerator

	mu      sync.Mutex
	session string
	closed  bool
}

func newHTTPAdapter(cfg Config, bus *events.Bus) *httpAdapter {
	// Per-call deadlines come from the caller's context; the client itself
	// never times out.
	return &httpAdapter{
		cfg:    cfg,
		bus:    bus,
		logger: log.WithInstanceID(cfg.InstanceID),
		client: &http.Client{},
	}
}

func (a *httpAdapter) Kind() types.Transport {
	return types.TransportHTTP
}

// Connect runs the initialize exchange against the endpoint.
func (a *httpAdapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	req := protocol.NewInitializeRequest(a.ids.Next(), a.cfg.Template.ProtocolVersion, version.Version)
	reply, err := a.SendAndReceive(ctx, req)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return errdefs.Newf(errdefs.CodeBackendError, "initialize rejected: %s", reply.Error.Message)
	}
	if _, err := protocol.ParseInitializeResult(reply); err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "invalid initialize result")
	}
	return a.Send(ctx, protocol.NewInitializedNotification())
}

// Disconnect marks the adapter closed. HTTP holds no long-lived state to
// tear down beyond idle connections.
func (a *httpAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.client.CloseIdleConnections()
	return nil
}

// Send posts a notification. Backends acknowledge with 2xx and no body.
func (a *httpAdapter) Send(ctx context.Context, msg *protocol.Message) error {
	resp, err := a.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// SendAndReceive posts a request and decodes the reply body.
func (a *httpAdapter) SendAndReceive(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if _, err := requireRequestID(msg); err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxLineBytes))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to read reply body").
			WithMeta("instanceId", a.cfg.InstanceID)
	}

	var reply *protocol.Message
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Streamable backends may wrap the reply in an inline event stream.
		reply, err = a.replyFromStream(body, msg.ID)
	} else {
		reply, err = protocol.Parse(body)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeTransportFailure, "malformed reply from backend").
			WithMeta("instanceId", a.cfg.InstanceID)
	}

	if !protocol.IDEqual(reply.ID, msg.ID) {
		return nil, errdefs.New(errdefs.CodeTransportFailure, "reply id does not match request id").
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	return reply, nil
}

// replyFromStream scans an inline SSE body for the reply to the given id,
// publishing everything else as message events.
func (a *httpAdapter) replyFromStream(body []byte, id []byte) (*protocol.Message, error) {
	scanner := newSSEScanner(bytes.NewReader(body), MaxLineBytes)
	var reply *protocol.Message
	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(event.Data) == 0 {
			continue
		}
		msg, err := protocol.Parse(event.Data)
		if err != nil {
			continue
		}
		if msg.IsResponse() && protocol.IDEqual(msg.ID, id) {
			reply = msg
			continue
		}
		publishMessage(a.bus, a.cfg.InstanceID, event.Data)
	}
	if reply == nil {
		return nil, errdefs.New(errdefs.CodeTransportFailure, "stream ended without a reply")
	}
	return reply, nil
}

func (a *httpAdapter) post(ctx context.Context, msg *protocol.Message) (*http.Response, error) {
	a.mu.Lock()
	closed := a.closed
	session := a.session
	a.mu.Unlock()
	if closed {
		return nil, errdefs.New(errdefs.CodeTransportFailure, "not connected")
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeValidation, "failed to encode envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Template.URL, bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeValidation, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", a.cfg.Template.ProtocolVersion)
	for k, v := range a.cfg.Template.Headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx, a.cfg.InstanceID)
		}
		return nil, errdefs.Wrap(err, errdefs.CodeTransportFailure, "request to backend failed").
			WithMeta("instanceId", a.cfg.InstanceID)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		a.mu.Lock()
		a.session = sid
		a.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, errdefs.Newf(errdefs.CodeTransportFailure, "backend returned %s: %s",
			resp.Status, strings.TrimSpace(string(body))).
			WithMeta("instanceId", a.cfg.InstanceID).
			WithMeta("status", resp.StatusCode)
	}

	publishSent(a.bus, a.cfg.InstanceID, msg.Method)
	return resp, nil
}

func (a *httpAdapter) Logs(limit int) []LogLine {
	return nil
}
