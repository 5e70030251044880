package transport

import (
	"context"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

const (
	// ConnectTimeout bounds the initialize exchange during Connect.
	ConnectTimeout = 5 * time.Second

	// StopGracePeriod is how long a backend gets between SIGTERM and
	// SIGKILL.
	StopGracePeriod = 2 * time.Second

	// DefaultLogLines is the per-instance log ring capacity.
	DefaultLogLines = 1000

	// MaxLineBytes caps a single NDJSON line read from a backend.
	MaxLineBytes = 10 * 1024 * 1024
)

// Adapter speaks the tool protocol to one backend instance. Implementations
// exist per transport kind; all of them publish transport events (sent
// envelopes, received notifications, stderr lines) to the shared event bus
// with the instance ID in the payload.
type Adapter interface {
	// Kind reports the transport this adapter implements.
	Kind() types.Transport

	// Connect establishes the connection and runs the initialize exchange.
	// The peer must produce a valid initialize result within ConnectTimeout
	// or Connect fails and tears the connection down.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Process-backed transports send
	// SIGTERM, wait StopGracePeriod, then SIGKILL. Pending callers fail
	// with TransportFailure. Safe to call more than once.
	Disconnect(ctx context.Context) error

	// Send delivers a notification. No reply is awaited.
	Send(ctx context.Context, msg *protocol.Message) error

	// SendAndReceive delivers a request and blocks until the reply carrying
	// the same id arrives, the context ends, or the connection breaks. The
	// reply is returned verbatim, peer error envelopes included.
	SendAndReceive(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

	// Logs returns up to limit of the most recent captured output lines.
	Logs(limit int) []LogLine
}

// Config carries what an adapter needs to reach one backend.
type Config struct {
	InstanceID string
	Template   types.ServiceTemplate
	Policy     *sandbox.Policy
}

// New builds the adapter for the template's transport kind.
func New(cfg Config, bus *events.Bus) (Adapter, error) {
	switch cfg.Template.Transport {
	case types.TransportStdio:
		return newStdioAdapter(cfg, bus), nil
	case types.TransportHTTP:
		return newHTTPAdapter(cfg, bus), nil
	case types.TransportSSE:
		return newSSEAdapter(cfg, bus), nil
	case types.TransportContainer:
		return newContainerAdapter(cfg, bus), nil
	default:
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown transport %q", cfg.Template.Transport)
	}
}

// pendingReplies routes reply envelopes to the callers waiting on them,
// keyed by normalized request id.
type pendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Message
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiters: make(map[string]chan *protocol.Message)}
}

// add registers a waiter for an id. A second in-flight request with the
// same id is refused; ids belong to the caller and must be unique while
// outstanding.
func (p *pendingReplies) add(key string) (chan *protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.waiters[key]; exists {
		return nil, errdefs.Newf(errdefs.CodeValidation, "request id already in flight")
	}
	ch := make(chan *protocol.Message, 1)
	p.waiters[key] = ch
	return ch, nil
}

// resolve hands a reply to its waiter. It reports whether anyone was
// waiting for the id.
func (p *pendingReplies) resolve(key string, msg *protocol.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// remove drops a waiter without delivering, after timeout or cancellation.
func (p *pendingReplies) remove(key string) {
	p.mu.Lock()
	delete(p.waiters, key)
	p.mu.Unlock()
}

// failAll closes every waiter channel; blocked callers observe the closed
// channel and report TransportFailure.
func (p *pendingReplies) failAll() {
	p.mu.Lock()
	for key, ch := range p.waiters {
		close(ch)
		delete(p.waiters, key)
	}
	p.mu.Unlock()
}

// ctxError classifies a context error for a call against this instance.
func ctxError(ctx context.Context, instanceID string) error {
	err := ctx.Err()
	return errdefs.Wrap(err, errdefs.CodeOf(err), "call to "+instanceID+" interrupted").
		WithMeta("instanceId", instanceID)
}

// requireRequestID validates that an envelope used with SendAndReceive
// actually carries an id to correlate on.
func requireRequestID(msg *protocol.Message) (string, error) {
	if msg == nil || !msg.IsRequest() {
		return "", errdefs.New(errdefs.CodeValidation, "send-and-receive requires a request envelope with an id")
	}
	return protocol.IDKey(msg.ID), nil
}

// publishSent emits the sent event for an outbound request envelope.
func publishSent(bus *events.Bus, instanceID, method string) {
	bus.Publish(types.Event{
		Type:    types.EventSent,
		Payload: map[string]any{"instanceId": instanceID, "method": method},
	})
}

// publishMessage emits a received notification or server-initiated request.
func publishMessage(bus *events.Bus, instanceID string, raw []byte) {
	bus.Publish(types.Event{
		Type:    types.EventMessage,
		Payload: map[string]any{"instanceId": instanceID, "message": string(raw)},
	})
}

// publishStderr emits one captured stderr line.
func publishStderr(bus *events.Bus, instanceID, line string) {
	bus.Publish(types.Event{
		Type:    types.EventStderr,
		Payload: map[string]any{"instanceId": instanceID, "line": line},
	})
}
