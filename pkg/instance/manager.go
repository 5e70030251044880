package instance

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Manager owns the id → instance mapping and every mutation of instance
// state. Other components hold read-only clones; nothing outside this
// package writes an instance.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*types.ServiceInstance
	issued    map[string]struct{} // every id ever handed out, never reused
	logger    zerolog.Logger
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		instances: make(map[string]*types.ServiceInstance),
		issued:    make(map[string]struct{}),
		logger:    log.WithComponent("instance"),
	}
}

// Create registers a new instance of the resolved template in the idle
// state. The template is stored as given; env references must already be
// resolved by the caller.
func (m *Manager) Create(resolved types.ServiceTemplate, mode types.InstanceMode) (*types.ServiceInstance, error) {
	if resolved.Name == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "instance requires a template name")
	}
	switch mode {
	case "":
		mode = types.ModeKeepAlive
	case types.ModeKeepAlive, types.ModeManaged:
	default:
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown instance mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextIDLocked(resolved.Name)
	if err != nil {
		return nil, err
	}

	inst := &types.ServiceInstance{
		ID:        id,
		Template:  resolved.Clone(),
		State:     types.StateIdle,
		Mode:      mode,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{types.MetaMode: string(mode)},
	}
	m.instances[id] = inst

	m.logger.Info().Str("instanceId", id).Str("template", resolved.Name).Str("mode", string(mode)).Msg("instance created")
	return inst.Clone(), nil
}

// nextIDLocked generates a fresh instance id. IDs embed the template name
// and creation time; the issued set guarantees no id is ever reused within
// the process, removed instances included.
func (m *Manager) nextIDLocked(template string) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		var b [3]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", errdefs.Wrap(err, errdefs.CodeInternal, "failed to generate instance id")
		}
		id := fmt.Sprintf("%s-%d-%s", template, time.Now().UnixMilli(), hex.EncodeToString(b[:]))
		if _, taken := m.issued[id]; taken {
			continue
		}
		m.issued[id] = struct{}{}
		return id, nil
	}
	return "", errdefs.New(errdefs.CodeInternal, "exhausted instance id attempts")
}

// Get returns a clone of the instance.
func (m *Manager) Get(id string) (*types.ServiceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	return inst.Clone(), nil
}

// List returns clones of every instance, ordered by creation time.
func (m *Manager) List() []*types.ServiceInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ServiceInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByTemplate returns clones of the instances spawned from a template,
// ordered by creation time.
func (m *Manager) ListByTemplate(name string) []*types.ServiceInstance {
	all := m.List()
	out := all[:0]
	for _, inst := range all {
		if inst.Template.Name == name {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns the number of live instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// CountByTemplate returns how many live instances reference a template.
func (m *Manager) CountByTemplate(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, inst := range m.instances {
		if inst.Template.Name == name {
			n++
		}
	}
	return n
}

// UpdateState moves an instance through the state machine, rejecting
// transitions the machine does not permit. Every accepted transition is
// timestamped in metadata; entering running for the first time sets
// StartedAt.
func (m *Manager) UpdateState(id string, next types.InstanceState) (*types.ServiceInstance, error) {
	if !next.Valid() {
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown instance state %q", next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	if inst.State == next {
		return inst.Clone(), nil
	}
	if !inst.State.CanTransitionTo(next) {
		return nil, errdefs.Newf(errdefs.CodeValidation, "instance %s cannot move from %s to %s", id, inst.State, next).
			WithMeta("from", string(inst.State)).
			WithMeta("to", string(next))
	}

	now := time.Now()
	inst.State = next
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]string)
	}
	inst.Metadata[types.MetaTransitionPrefix+string(next)] = now.Format(time.RFC3339Nano)
	if next == types.StateRunning && inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}

	m.logger.Debug().Str("instanceId", id).Str("state", string(next)).Msg("instance state changed")
	return inst.Clone(), nil
}

// Remove deletes an instance. Its id stays burned for the life of the
// process.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	delete(m.instances, id)
	m.logger.Info().Str("instanceId", id).Msg("instance removed")
	return nil
}

// SetMetadata writes one metadata entry on an instance.
func (m *Manager) SetMetadata(id, key, value string) error {
	if key == "" {
		return errdefs.New(errdefs.CodeValidation, "metadata key must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]string)
	}
	inst.Metadata[key] = value
	return nil
}

// UpdateEnv merges entries into the instance's frozen environment. Values
// overwrite existing keys; an empty value removes the key. The change only
// reaches the backing process on its next launch.
func (m *Manager) UpdateEnv(id string, env map[string]string) (*types.ServiceInstance, error) {
	if len(env) == 0 {
		return nil, errdefs.New(errdefs.CodeValidation, "env update must carry at least one entry")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	if inst.Template.Env == nil {
		inst.Template.Env = make(map[string]string, len(env))
	}
	for k, v := range env {
		if v == "" {
			delete(inst.Template.Env, k)
			continue
		}
		inst.Template.Env[k] = v
	}

	m.logger.Info().Str("instanceId", id).Int("entries", len(env)).Msg("instance env updated")
	return inst.Clone(), nil
}

// IncrementErrorCount bumps the error counter and returns the new value.
func (m *Manager) IncrementErrorCount(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return 0, errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	inst.ErrorCount++
	return inst.ErrorCount, nil
}

// ResetErrorCount zeroes the error counter.
func (m *Manager) ResetErrorCount(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return errdefs.Newf(errdefs.CodeNotFound, "instance %s not found", id)
	}
	inst.ErrorCount = 0
	return nil
}
