// Package sessions maintains the per-device agent registry: one agent
// instance per device identifier, plus the construction configuration it
// was built with so reset can mean "rebuild with identical parameters".
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/workspace/phone-console/internal/agent"
)

// ErrNotFound is returned for operations referencing an unknown device session.
var ErrNotFound = errors.New("device session not found")

// ErrNoEndpoint is returned when an init request resolves to no model endpoint.
var ErrNoEndpoint = errors.New("model endpoint is required")

// CachedConfig is the construction configuration pair retained per device.
type CachedConfig struct {
	Model agent.ModelConfig
	Agent agent.Config
}

// Registry owns all agent instances, keyed by device identifier. All
// mutation goes through its methods; instances are never shared across
// devices.
type Registry struct {
	factory agent.Factory

	mu      sync.RWMutex
	agents  map[string]agent.Agent
	configs map[string]CachedConfig
}

// NewRegistry creates an empty registry using factory for construction.
func NewRegistry(factory agent.Factory) *Registry {
	return &Registry{
		factory: factory,
		agents:  make(map[string]agent.Agent),
		configs: make(map[string]CachedConfig),
	}
}

// Create constructs an agent instance for the device, replacing any
// existing one outright, and caches the construction configuration for
// later recreation. The device identifier and model endpoint are required.
func (r *Registry) Create(deviceID string, model agent.ModelConfig, cfg agent.Config) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if model.BaseURL == "" {
		return ErrNoEndpoint
	}

	cfg.DeviceID = deviceID
	a, err := r.factory(model, cfg)
	if err != nil {
		return fmt.Errorf("construct agent: %w", err)
	}

	r.mu.Lock()
	old := r.agents[deviceID]
	r.agents[deviceID] = a
	r.configs[deviceID] = CachedConfig{Model: model, Agent: cfg}
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RestoreConfig seeds the cached construction configuration for a device
// without creating an instance. Used at startup to reload configurations
// persisted by a previous run; the next init for the device can fall back
// to these values.
func (r *Registry) RestoreConfig(deviceID string, model agent.ModelConfig, cfg agent.Config) {
	if deviceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[deviceID]; !ok {
		r.configs[deviceID] = CachedConfig{Model: model, Agent: cfg}
	}
}

// Get returns the agent instance for a device.
func (r *Registry) Get(deviceID string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return a, nil
}

// Has reports whether the device has an agent instance.
func (r *Registry) Has(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[deviceID]
	return ok
}

// Config returns the cached construction configuration for a device.
func (r *Registry) Config(deviceID string) (CachedConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[deviceID]
	return c, ok
}

// Reset performs the instance's own stateful reset and then, when a cached
// configuration exists, unconditionally replaces the instance with a fresh
// construction from that configuration. Agent runtimes that cannot
// guarantee a clean internal reset are covered by the recreation.
func (r *Registry) Reset(ctx context.Context, deviceID string) error {
	r.mu.RLock()
	a, ok := r.agents[deviceID]
	cached, hasCfg := r.configs[deviceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	if err := a.Reset(ctx); err != nil {
		// The recreation below supersedes a failed stateful reset.
		if !hasCfg {
			return fmt.Errorf("reset agent: %w", err)
		}
	}

	if !hasCfg {
		return nil
	}

	fresh, err := r.factory(cached.Model, cached.Agent)
	if err != nil {
		return fmt.Errorf("recreate agent: %w", err)
	}

	r.mu.Lock()
	old := r.agents[deviceID]
	r.agents[deviceID] = fresh
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Devices returns the device identifiers with an instance, sorted.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of active instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll shuts down every instance. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	agents := make([]agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]agent.Agent)
	r.mu.Unlock()

	for _, a := range agents {
		_ = a.Close()
	}
}
