package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/types"
	"github.com/patchbay-dev/patchbay/pkg/version"
)

// containerAdapter runs the backend inside a Docker container and speaks
// NDJSON over the attached stream. The wire semantics match the stdio
// adapter; the daemon handles signal escalation on stop.
type containerAdapter struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	exchangeMu sync.Mutex // one outstanding request at a time
	writeMu    sync.Mutex // serializes raw line writes

	mu          sync.Mutex
	containerID string
	attach      *dockertypes.HijackedResponse
	stopping    bool

	ids     protocol.IDGenerator
	pending *pendingReplies
	ring    *logRing
	done    chan struct{} // closed when the container exits
}

func newContainerAdapter(cfg Config, bus *events.Bus) *containerAdapter {
	return &containerAdapter{
		cfg:     cfg,
		bus:     bus,
		logger:  log.WithInstanceID(cfg.InstanceID),
		pending: newPendingReplies(),
		ring:    newLogRing(DefaultLogLines),
		done:    make(chan struct{}),
	}
}

func (a *containerAdapter) Kind() types.Transport {
	return types.TransportContainer
}

// Connect creates, attaches to, and starts the container, then runs the
// initialize exchange over the attached stream.
func (a *containerAdapter) Connect(ctx context.Context) error {
	tpl := &a.cfg.Template
	spec := tpl.Container
	if spec == nil || spec.Image == "" {
		return errdefs.New(errdefs.CodeValidation, "container template has no image")
	}

	if err := a.cfg.Policy.ValidateCommand(tpl.Command, tpl.Args); err != nil {
		return errdefs.Wrap(err, errdefs.CodeForbidden, "command rejected by sandbox policy")
	}
	if err := a.cfg.Policy.ValidateVolumes(spec.Volumes); err != nil {
		return errdefs.Wrap(err, errdefs.CodeForbidden, "volumes rejected by sandbox policy")
	}

	cli, err := dockerClient()
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "docker client unavailable")
	}
	if _, err := cli.Ping(ctx); err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "cannot reach the docker daemon")
	}
	if err := a.ensureImage(ctx, cli, spec.Image); err != nil {
		return err
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          append([]string{tpl.Command}, tpl.Args...),
		Env:          envMapToSlice(tpl.Env),
		WorkingDir:   tpl.WorkingDir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{
		Mounts:         buildMounts(spec.Volumes),
		NetworkMode:    container.NetworkMode(networkMode(a.networkPolicy())),
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemoryLimitMB << 20,
		},
	}
	if len(spec.Ports) > 0 {
		bindings, exposed := buildPortBindings(spec.Ports)
		config.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	name := "patchbay-" + a.cfg.InstanceID
	created, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeTransportFailure, "failed to create container from %s", spec.Image)
	}

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to attach to container")
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to start container")
	}

	a.mu.Lock()
	a.containerID = created.ID
	a.attach = &attach
	a.mu.Unlock()

	a.logger.Info().Str("image", spec.Image).Str("container", shortID(created.ID)).Msg("backend started")

	// The attach stream multiplexes stdout and stderr; demux into pipes
	// feeding the same line readers the stdio adapter uses.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	go a.pump(outR)
	go a.readStderr(errR)
	go a.watch(cli, created.ID)

	if err := a.initialize(ctx); err != nil {
		a.Disconnect(context.Background())
		return err
	}
	return nil
}

// ensureImage pulls the image when it is not already present locally.
func (a *containerAdapter) ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	a.logger.Info().Str("image", ref).Msg("pulling image")
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeTransportFailure, "failed to pull %s", ref)
	}
	defer rc.Close()
	// The pull is not done until the response body is fully read.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errdefs.Wrapf(err, errdefs.CodeTransportFailure, "failed to pull %s", ref)
	}
	return nil
}

// initialize runs the protocol handshake within ConnectTimeout.
func (a *containerAdapter) initialize(ctx context.Context) error {
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
// mutex guarantees at most one outstanding id on the stream.
func (a *containerAdapter) SendAndReceive(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
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
func (a *containerAdapter) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return ctxError(ctx, a.cfg.InstanceID)
	}
	return a.writeLine(msg)
}

func (a *containerAdapter) writeLine(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "failed to encode envelope")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	attach := a.attach
	a.mu.Unlock()
	if attach == nil {
		return errdefs.New(errdefs.CodeTransportFailure, "not connected")
	}

	if _, err := attach.Conn.Write(append(data, '\n')); err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "failed to write to backend").
			WithMeta("instanceId", a.cfg.InstanceID)
	}
	return nil
}

// Disconnect stops the container (the daemon sends SIGTERM, waits the
// grace period, then SIGKILL) and removes it.
func (a *containerAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	id := a.containerID
	if id == "" {
		a.mu.Unlock()
		return nil
	}
	if a.stopping {
		a.mu.Unlock()
		a.awaitExit(ctx)
		return nil
	}
	a.stopping = true
	attach := a.attach
	a.mu.Unlock()

	cli, err := dockerClient()
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransportFailure, "docker client unavailable")
	}

	if attach != nil {
		attach.CloseWrite()
	}

	// Cleanup runs on a background context; the caller's may already be
	// cancelled.
	cleanCtx := context.Background()
	grace := int(StopGracePeriod.Seconds())
	if err := cli.ContainerStop(cleanCtx, id, container.StopOptions{Timeout: &grace}); err != nil {
		a.logger.Warn().Err(err).Msg("container stop failed")
	}
	a.awaitExit(ctx)

	if attach != nil {
		attach.Close()
	}
	if err := cli.ContainerRemove(cleanCtx, id, container.RemoveOptions{Force: true}); err != nil {
		a.logger.Warn().Err(err).Msg("container remove failed")
	}
	return nil
}

func (a *containerAdapter) awaitExit(ctx context.Context) {
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

// pump reads NDJSON lines from the demuxed stdout and routes them: replies
// to their waiters, notifications and server-initiated requests to the bus.
func (a *containerAdapter) pump(stdout io.Reader) {
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
		if msg.IsResponse() {
			if !a.pending.resolve(protocol.IDKey(msg.ID), msg) {
				a.logger.Debug().Msg("dropping reply with no waiter")
			}
			continue
		}
		publishMessage(a.bus, a.cfg.InstanceID, append([]byte(nil), line...))
	}
}

// readStderr captures diagnostics into the ring and the event bus.
func (a *containerAdapter) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		a.ring.append("stderr", line)
		publishStderr(a.bus, a.cfg.InstanceID, line)
	}
}

// watch waits for the container to exit and fails pending callers.
func (a *containerAdapter) watch(cli *client.Client, id string) {
	waitCh, errCh := cli.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)

	var exitErr error
	select {
	case result := <-waitCh:
		if result.StatusCode != 0 {
			exitErr = fmt.Errorf("container exited with code %d", result.StatusCode)
		}
	case err := <-errCh:
		exitErr = err
	}

	close(a.done)
	a.pending.failAll()

	a.mu.Lock()
	wasStopping := a.stopping
	a.mu.Unlock()

	if exitErr != nil && !wasStopping {
		a.logger.Warn().Err(exitErr).Msg("backend exited unexpectedly")
		a.bus.Publish(types.Event{
			Type: types.EventError,
			Payload: map[string]any{
				"instanceId": a.cfg.InstanceID,
				"error":      fmt.Sprintf("backend exited: %v", exitErr),
			},
		})
	}
}

func (a *containerAdapter) Logs(limit int) []LogLine {
	return a.ring.tail(limit)
}

// networkPolicy resolves the effective policy: the container spec wins,
// then the security spec, then inherit.
func (a *containerAdapter) networkPolicy() types.NetworkPolicy {
	tpl := &a.cfg.Template
	if tpl.Container != nil && tpl.Container.Network != "" {
		return tpl.Container.Network
	}
	if tpl.Security != nil && tpl.Security.Network != "" {
		return tpl.Security.Network
	}
	return types.NetworkInherit
}

// networkMode maps a network policy onto a Docker network mode. Local-only
// keeps the default bridge; published ports bind to the loopback either way.
func networkMode(policy types.NetworkPolicy) string {
	switch policy {
	case types.NetworkBlocked:
		return "none"
	default:
		return ""
	}
}

// buildMounts maps template volume mounts onto Docker bind mounts.
func buildMounts(volumes []types.VolumeMount) []mount.Mount {
	if len(volumes) == 0 {
		return nil
	}
	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.HostPath,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts
}

// buildPortBindings publishes mapped ports on the host loopback only.
func buildPortBindings(ports []types.PortMapping) (nat.PortMap, nat.PortSet) {
	bindings := make(nat.PortMap)
	exposed := make(nat.PortSet)
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(p.HostPort),
		})
	}
	return bindings, exposed
}

// envMapToSlice renders template env vars for the container. The gateway's
// own environment is deliberately not inherited.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// shortID trims a container ID for log lines.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
