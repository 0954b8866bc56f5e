// Package streams serializes access to the per-device screen-mirroring
// resource. Each device has at most one live streamer; creation and
// teardown are totally ordered by a per-device lock so two connections can
// never race a second mirroring session onto the same device.
package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStart marks a mirroring session that failed to initialize. The
// half-built handle is already discarded when this is returned.
var ErrStart = errors.New("mirroring session failed to start")

// Streamer is the handle the manager hands out. *scrcpy.Streamer
// satisfies it; tests substitute fakes.
type Streamer interface {
	Start(ctx context.Context) error
	ReadChunk() ([]byte, error)
	ParameterSets() []byte
	Stop()
}

// Factory constructs an unstarted Streamer for a device.
type Factory func(deviceID string) Streamer

// Manager owns the streamer table and the per-device lock table.
type Manager struct {
	factory Factory

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu        sync.Mutex
	streamers map[string]Streamer
}

// NewManager creates a Manager that builds streamers with factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory:   factory,
		locks:     make(map[string]*sync.Mutex),
		streamers: make(map[string]Streamer),
	}
}

// lock returns the device's mutex, creating it on first use. Locks live
// for the process lifetime; creation never touches device I/O.
func (m *Manager) lock(deviceID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	return l
}

func (m *Manager) get(deviceID string) Streamer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamers[deviceID]
}

func (m *Manager) put(deviceID string, s Streamer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamers[deviceID] = s
}

// removeIf deletes the device's entry only when it is still the given
// handle, so a teardown for an already-replaced streamer is a no-op.
func (m *Manager) removeIf(deviceID string, s Streamer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.streamers[deviceID]; ok && current == s {
		delete(m.streamers, deviceID)
		return true
	}
	return false
}

// Ensure returns the device's streamer, creating and starting one when
// none exists. The whole operation runs under the device's lock.
//
// On reuse, onReuse is invoked (still under the lock) with the cached
// SPS+PPS bytes so the new subscriber can bootstrap its decoder; the relay
// loop that follows only carries subsequent frames. onReuse is skipped
// when the stream has not produced parameter sets yet.
//
// On a start failure the half-built handle is stopped and discarded before
// the error propagates, so the next request recreates from scratch.
func (m *Manager) Ensure(ctx context.Context, deviceID string, onReuse func(init []byte) error) (Streamer, error) {
	l := m.lock(deviceID)
	l.Lock()
	defer l.Unlock()

	if s := m.get(deviceID); s != nil {
		slog.Debug("Reusing mirroring session", "device", deviceID)
		if onReuse != nil {
			if init := s.ParameterSets(); init != nil {
				if err := onReuse(init); err != nil {
					return nil, fmt.Errorf("deliver parameter sets: %w", err)
				}
			} else {
				slog.Warn("No cached parameter sets for reused session", "device", deviceID)
			}
		}
		return s, nil
	}

	slog.Info("Creating mirroring session", "device", deviceID)
	s := m.factory(deviceID)
	if err := s.Start(ctx); err != nil {
		s.Stop()
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	m.put(deviceID, s)
	return s, nil
}

// Teardown stops and removes the device's streamer if it is still the
// given handle. Called by relay loops after a fatal transport error.
func (m *Manager) Teardown(deviceID string, s Streamer) {
	l := m.lock(deviceID)
	l.Lock()
	defer l.Unlock()

	if m.removeIf(deviceID, s) {
		slog.Info("Tearing down mirroring session", "device", deviceID)
		s.Stop()
	}
}

// Reset stops and removes the device's streamer regardless of identity.
// Reports whether a session existed.
func (m *Manager) Reset(deviceID string) bool {
	l := m.lock(deviceID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	s, ok := m.streamers[deviceID]
	if ok {
		delete(m.streamers, deviceID)
	}
	m.mu.Unlock()

	if ok {
		slog.Info("Resetting mirroring session", "device", deviceID)
		s.Stop()
	}
	return ok
}

// ResetAll tears down every active session.
func (m *Manager) ResetAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streamers))
	for id := range m.streamers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.Reset(id) {
			n++
		}
	}
	return n
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streamers)
}

// Active reports whether the device currently has a session.
func (m *Manager) Active(deviceID string) bool {
	return m.get(deviceID) != nil
}
