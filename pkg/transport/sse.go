package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
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

// sseAdapter submits envelopes over POST and consumes a long-lived
// text/event-stream for replies and server-pushed notifications. Calls
// multiplex; replies are correlated by id through the pending map.
type sseAdapter struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	client *http.Client
	ids    protocol.IDGenerator

	pending *pendingReplies

	mu         sync.Mutex
	session    string
	closed     bool
	cancelRead context.CancelFunc
	stream     io.Closer

	streamDone chan struct{}
}

func newSSEAdapter(cfg Config, bus *events.Bus) *sseAdapter {
	return &sseAdapter{
		cfg:        cfg,
		bus:        bus,
		logger:     log.WithInstanceID(cfg.InstanceID),
		client:     &http.Client{},
		pending:    newPendingReplies(),
		streamDone: make(chan struct{}),
	}
}

func (a *sseAdapter) Kind() types.Transport {
	return types.TransportSSE
}

// Connect opens the event stream, then runs the initialize exchange. The
// reply may arrive inline on the POST or over the stream; both paths land
// in the pending map.
func (a *sseAdapter) Connect(ctx context.Context) error {
	if err := a.openStream(ctx); err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	req := protocol.NewInitializeRequest(a.ids.Next(), a.cfg.Template.ProtocolVersion, version.Version)
	reply, err := a.SendAndReceive(initCtx, req)
	if err != nil {
		a.Disconnect(context.Background())
		return err
	}
	if reply.Error != nil {
		a.Disconnect(context.Background())
		return errdefs.Newf(errdefs.CodeBackendError, "initialize rejected: %s", reply.Error.Message)
	}
	if _, err := protocol.ParseInitializeResult(reply); err != nil {
		a.Disconnect(context.Background())
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "invalid initialize result")
	}
	return a.Send(initCtx, protocol.NewInitializedNotification())
}

// openStream starts the GET consumer goroutine.
func (a *sseAdapter) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.cfg.Template.URL, nil)
	if err != nil {
		cancel()
		return errdefs.Wrap(err, errdefs.CodeValidation, "failed to build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("MCP-Protocol-Version", a.cfg.Template.ProtocolVersion)
	for k, v := range a.cfg.Template.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to open event stream").
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errdefs.Newf(errdefs.CodeTransportFailure, "event stream returned %s", resp.Status).
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return errdefs.Newf(errdefs.CodeTransportFailure, "endpoint is not an event stream (got %s)", ct)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		a.setSession(sid)
	}

	a.mu.Lock()
	a.cancelRead = cancel
	a.stream = resp.Body
	a.mu.Unlock()

	go a.consume(resp.Body)
	return nil
}

// consume parses stream frames until the connection drops.
func (a *sseAdapter) consume(body io.ReadCloser) {
	defer close(a.streamDone)
	defer body.Close()

	scanner := newSSEScanner(body, MaxLineBytes)
	for {
		event, err := scanner.Next()
		if err != nil {
			if err != io.EOF && !a.isClosed() {
				a.logger.Warn().Err(err).Msg("event stream broke")
			}
			a.pending.failAll()
			return
		}
		if len(event.Data) == 0 {
			continue
		}

		msg, err := protocol.Parse(event.Data)
		if err != nil {
			a.logger.Debug().Err(err).Msg("skipping malformed stream frame")
			continue
		}
		if msg.IsResponse() {
			if !a.pending.resolve(protocol.IDKey(msg.ID), msg) {
				a.logger.Debug().Msg("dropping reply with no waiter")
			}
			continue
		}
		publishMessage(a.bus, a.cfg.InstanceID, event.Data)
	}
}

// SendAndReceive posts a request and waits for the correlated reply from
// either the POST body or the stream.
func (a *sseAdapter) SendAndReceive(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	key, err := requireRequestID(msg)
	if err != nil {
		return nil, err
	}

	waiter, err := a.pending.add(key)
	if err != nil {
		return nil, err
	}

	if err := a.post(ctx, msg); err != nil {
		a.pending.remove(key)
		return nil, err
	}
	publishSent(a.bus, a.cfg.InstanceID, msg.Method)

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, errdefs.New(errdefs.CodeTransportFailure, "stream closed before reply").
				WithMeta("instanceId", a.cfg.InstanceID)
		}
		return reply, nil
	case <-ctx.Done():
		a.pending.remove(key)
		return nil, ctxError(ctx, a.cfg.InstanceID)
	}
}

// Send posts a notification.
func (a *sseAdapter) Send(ctx context.Context, msg *protocol.Message) error {
	if err := a.post(ctx, msg); err != nil {
		return err
	}
	return nil
}

// post submits one envelope. Inline replies (JSON or event-stream bodies)
// are routed into the pending map so the stream and POST paths converge.
func (a *sseAdapter) post(ctx context.Context, msg *protocol.Message) error {
	if a.isClosed() {
		return errdefs.New(errdefs.CodeTransportFailure, "not connected")
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "failed to encode envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Template.URL, bytes.NewReader(data))
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", a.cfg.Template.ProtocolVersion)
	for k, v := range a.cfg.Template.Headers {
		req.Header.Set(k, v)
	}
	if session := a.getSession(); session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxError(ctx, a.cfg.InstanceID)
		}
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "request to backend failed").
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		a.setSession(sid)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errdefs.Newf(errdefs.CodeTransportFailure, "backend returned %s: %s",
			resp.Status, strings.TrimSpace(string(body))).
			WithMeta("instanceId", a.cfg.InstanceID).
			WithMeta("status", resp.StatusCode)
	}

	// Route any inline reply.
	switch {
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"):
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxLineBytes))
		if err != nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if inline, err := protocol.Parse(body); err == nil && inline.IsResponse() {
			a.pending.resolve(protocol.IDKey(inline.ID), inline)
		}
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		scanner := newSSEScanner(resp.Body, MaxLineBytes)
		for {
			event, err := scanner.Next()
			if err != nil {
				break
			}
			if len(event.Data) == 0 {
				continue
			}
			if inline, err := protocol.Parse(event.Data); err == nil && inline.IsResponse() {
				a.pending.resolve(protocol.IDKey(inline.ID), inline)
			} else if err == nil {
				publishMessage(a.bus, a.cfg.InstanceID, event.Data)
			}
		}
	}
	return nil
}

// Disconnect cancels the stream consumer and fails pending callers.
func (a *sseAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancelRead
	stream := a.stream
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
		select {
		case <-a.streamDone:
		case <-ctx.Done():
		}
	}
	a.pending.failAll()
	a.client.CloseIdleConnections()
	return nil
}

func (a *sseAdapter) Logs(limit int) []LogLine {
	return nil
}

func (a *sseAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *sseAdapter) getSession() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *sseAdapter) setSession(sid string) {
	a.mu.Lock()
	a.session = sid
	a.mu.Unlock()
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner incrementally parses text/event-stream frames with a size cap
// per event.
type sseScanner struct {
	reader  *bufio.Reader
	maxSize int
}

func newSSEScanner(r io.Reader, maxSize int) *sseScanner {
	return &sseScanner{reader: bufio.NewReader(r), maxSize: maxSize}
}

// Next returns the next event or io.EOF at end of stream.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		size += len(line)
		if size > s.maxSize {
			return nil, fmt.Errorf("event exceeds %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		// Blank line dispatches the accumulated event.
		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}
		// Comment.
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}
