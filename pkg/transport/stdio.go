package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/types"
	"github.com/patchbay-dev/patchbay/pkg/version"
)

// stdioAdapter runs the backend as a child process and speaks NDJSON over
// its pipes. At most one request is outstanding at a time; the exchange
// mutex enforces that.
type stdioAdapter struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	exchangeMu sync.Mutex // one outstanding request at a time
	writeMu    sync.Mutex // serializes raw line writes

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopping bool

	ids     protocol.IDGenerator
	pending *pendingReplies
	ring    *logRing
	done    chan struct{} // closed when the child exits
}

func newStdioAdapter(cfg Config, bus *events.Bus) *stdioAdapter {
	return &stdioAdapter{
		cfg:     cfg,
		bus:     bus,
		logger:  log.WithInstanceID(cfg.InstanceID),
		pending: newPendingReplies(),
		ring:    newLogRing(DefaultLogLines),
		done:    make(chan struct{}),
	}
}

func (a *stdioAdapter) Kind() types.Transport {
	return types.TransportStdio
}

// Connect launches the child through the sandbox policy and runs the
// initialize exchange on its pipes.
func (a *stdioAdapter) Connect(ctx context.Context) error {
	tpl := &a.cfg.Template

	if err := a.cfg.Policy.ValidateCommand(tpl.Command, tpl.Args); err != nil {
		return errdefs.Wrap(err, errdefs.CodeForbidden, "command rejected by sandbox policy")
	}
	executable, err := a.cfg.Policy.ResolveExecutable(tpl.Command)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeForbidden, "executable rejected by sandbox policy")
	}

	cmd := exec.Command(executable, tpl.Args...)
	cmd.Dir = tpl.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), tpl.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errdefs.Wrapf(err, errdefs.CodeTransportFailure, "failed to start %s", tpl.Command)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.mu.Unlock()

	a.logger.Info().Str("command", executable).Int("pid", cmd.Process.Pid).Msg("backend started")

	go a.readStderr(stderr)
	go a.pump(stdout)
	go a.watch(cmd)

	if err := a.initialize(ctx); err != nil {
		a.Disconnect(context.Background())
		return err
	}
	return nil
}

// initialize runs the protocol handshake within ConnectTimeout.
func (a *stdioAdapter) initialize(ctx context.Context) error {
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

// SendAndReceive writes one request and blocks for its reply. The exchange
// mutex guarantees at most one outstanding id on the pipe.
func (a *stdioAdapter) SendAndReceive(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	key, err := requireRequestID(msg)
	if err != nil {
		return nil, err
	}

	a.exchangeMu.Lock()
	defer a.exchangeMu.Unlock()

	waiter, err := a.pending.add(key)
	if err != nil {
		return nil, err
	}

	if err := a.writeLine(msg); err != nil {
		a.pending.remove(key)
		return nil, err
	}
	publishSent(a.bus, a.cfg.InstanceID, msg.Method)

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, errdefs.New(errdefs.CodeTransportFailure, "backend exited before replying").
				WithMeta("instanceId", a.cfg.InstanceID)
		}
		return reply, nil
	case <-a.done:
		a.pending.remove(key)
		return nil, errdefs.New(errdefs.CodeTransportFailure, "backend exited before replying").
			WithMeta("instanceId", a.cfg.InstanceID)
	case <-ctx.Done():
		a.pending.remove(key)
		return nil, ctxError(ctx, a.cfg.InstanceID)
	}
}

// Send writes a notification without waiting.
func (a *stdioAdapter) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return ctxError(ctx, a.cfg.InstanceID)
	}
	return a.writeLine(msg)
}

func (a *stdioAdapter) writeLine(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "failed to encode envelope")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return errdefs.New(errdefs.CodeTransportFailure, "not connected")
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to write to backend").
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	return nil
}

// Disconnect closes stdin, sends SIGTERM, and escalates to SIGKILL after
// the grace period.
func (a *stdioAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cmd := a.cmd
	if cmd == nil {
		a.mu.Unlock()
		return nil
	}
	if a.stopping {
		a.mu.Unlock()
		a.awaitExit(ctx)
		return nil
	}
	a.stopping = true
	stdin := a.stdin
	a.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-a.done:
	case <-time.After(StopGracePeriod):
		if cmd.Process != nil {
			a.logger.Warn().Msg("backend ignored SIGTERM, killing")
			cmd.Process.Signal(syscall.SIGKILL)
		}
		a.awaitExit(ctx)
	case <-ctx.Done():
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGKILL)
		}
		return ctx.Err()
	}
	return nil
}

func (a *stdioAdapter) awaitExit(ctx context.Context) {
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

// pump reads NDJSON lines from stdout and routes them: replies to their
// waiters, notifications and server-initiated requests to the bus.
// Non-JSON output is captured in the ring and otherwise ignored.
func (a *stdioAdapter) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			a.ring.append("stdout", string(line))
			continue
		}

		msg, err := protocol.Parse(line)
		if err != nil {
			a.logger.Debug().Err(err).Msg("skipping malformed line from backend")
			a.ring.append("stdout", string(line))
			continue
		}
		a.route(msg, line)
	}
}

func (a *stdioAdapter) route(msg *protocol.Message, raw []byte) {
	if msg.IsResponse() {
		if !a.pending.resolve(protocol.IDKey(msg.ID), msg) {
			a.logger.Debug().Msg("dropping reply with no waiter")
		}
		return
	}
	// Notifications and server-initiated requests fan out as events.
	publishMessage(a.bus, a.cfg.InstanceID, append([]byte(nil), raw...))
}

// readStderr captures diagnostics into the ring and the event bus.
func (a *stdioAdapter) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		a.ring.append("stderr", line)
		publishStderr(a.bus, a.cfg.InstanceID, line)
	}
}

// watch reaps the child and fails all pending callers once it exits.
func (a *stdioAdapter) watch(cmd *exec.Cmd) {
	err := cmd.Wait()
	close(a.done)
	a.pending.failAll()

	a.mu.Lock()
	wasStopping := a.stopping
	a.mu.Unlock()

	if err != nil && !wasStopping {
		a.logger.Warn().Err(err).Msg("backend exited unexpectedly")
		a.bus.Publish(types.Event{
			Type: types.EventError,
			Payload: map[string]any{
				"instanceId": a.cfg.InstanceID,
				"error":      fmt.Sprintf("backend exited: %v", err),
			},
		})
	}
}

func (a *stdioAdapter) Logs(limit int) []LogLine {
	return a.ring.tail(limit)
}

// mergeEnv layers template env over the inherited environment. Later
// entries win for duplicate keys when the child resolves its environment.
func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := overlay[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
