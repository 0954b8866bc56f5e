package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/workspace/phone-console/internal/adb"
	"github.com/workspace/phone-console/internal/agent"
	"github.com/workspace/phone-console/internal/config"
	"github.com/workspace/phone-console/internal/persistence"
	"github.com/workspace/phone-console/internal/sessions"
	"github.com/workspace/phone-console/internal/shell"
	"github.com/workspace/phone-console/internal/streams"
)

// scriptedAgent replays a fixed sequence of step results. The last result
// repeats when the script runs out. A step index in errAt fails instead.
type scriptedAgent struct {
	mu       sync.Mutex
	script   []agent.StepResult
	errAt    int // step index that errors; -1 for none
	steps    int
	maxSteps int
	resets   int
	closed   bool
}

func (a *scriptedAgent) Step(ctx context.Context, instruction string) (agent.StepResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errAt >= 0 && a.steps == a.errAt {
		return agent.StepResult{}, fmt.Errorf("step execution failed")
	}
	i := a.steps
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	a.steps++
	return a.script[i], nil
}

func (a *scriptedAgent) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = 0
	a.resets++
	return nil
}

func (a *scriptedAgent) StepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.steps
}

func (a *scriptedAgent) MaxSteps() int { return a.maxSteps }

func (a *scriptedAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *scriptedAgent) resetCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

// scriptedFactory hands out agents from a queue, falling back to a
// finish-immediately agent when the queue is empty (resets recreate).
type scriptedFactory struct {
	mu    sync.Mutex
	queue []*scriptedAgent
	built int
}

func (f *scriptedFactory) factory(model agent.ModelConfig, cfg agent.Config) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	if len(f.queue) > 0 {
		a := f.queue[0]
		f.queue = f.queue[1:]
		if a.maxSteps == 0 {
			a.maxSteps = cfg.MaxSteps
		}
		return a, nil
	}
	return &scriptedAgent{
		script:   []agent.StepResult{{Message: "ok", Success: true, Finished: true}},
		errAt:    -1,
		maxSteps: cfg.MaxSteps,
	}, nil
}

// fakeDevices is an in-memory DeviceControl.
type fakeDevices struct {
	mu      sync.Mutex
	list    []adb.Device
	listErr error
	shot    *adb.Screenshot
	shotErr error
	calls   []string
}

func (f *fakeDevices) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDevices) ListDevices(ctx context.Context) ([]adb.Device, error) {
	return f.list, f.listErr
}

func (f *fakeDevices) Tap(ctx context.Context, deviceID string, x, y int) error {
	f.record("tap %s %d,%d", deviceID, x, y)
	return nil
}

func (f *fakeDevices) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	f.record("swipe %s %d,%d->%d,%d %dms", deviceID, x1, y1, x2, y2, durationMs)
	return nil
}

func (f *fakeDevices) TouchDown(ctx context.Context, deviceID string, x, y int) error {
	f.record("down %s %d,%d", deviceID, x, y)
	return nil
}

func (f *fakeDevices) TouchMove(ctx context.Context, deviceID string, x, y int) error {
	f.record("move %s %d,%d", deviceID, x, y)
	return nil
}

func (f *fakeDevices) TouchUp(ctx context.Context, deviceID string, x, y int) error {
	f.record("up %s %d,%d", deviceID, x, y)
	return nil
}

func (f *fakeDevices) CaptureScreenshot(ctx context.Context, deviceID string) (*adb.Screenshot, error) {
	return f.shot, f.shotErr
}

// fakeVideoStreamer is a controllable streams.Streamer.
type fakeVideoStreamer struct {
	params   []byte
	startErr error
	chunks   chan []byte
	fail     chan error
	starts   atomic.Int32
	stops    atomic.Int32
}

func newFakeVideoStreamer(params []byte) *fakeVideoStreamer {
	return &fakeVideoStreamer{
		params: params,
		chunks: make(chan []byte, 16),
		fail:   make(chan error, 1),
	}
}

func (f *fakeVideoStreamer) Start(ctx context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeVideoStreamer) ReadChunk() ([]byte, error) {
	select {
	case c := <-f.chunks:
		return c, nil
	case err := <-f.fail:
		return nil, err
	}
}

func (f *fakeVideoStreamer) ParameterSets() []byte { return f.params }
func (f *fakeVideoStreamer) Stop()                 { f.stops.Add(1) }

type testEnv struct {
	server  *Server
	factory *scriptedFactory
	devices *fakeDevices
}

// newTestServer wires a Server around fakes. streamFactory may be nil when
// the test does not touch video.
func newTestServer(t *testing.T, streamFactory streams.Factory) *testEnv {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DefaultBaseURL = "http://model.local/v1"
	cfg.PersistenceDBPath = filepath.Join(t.TempDir(), "state.db")
	cfg.TaskHistoryLimit = 50

	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	factory := &scriptedFactory{}
	devices := &fakeDevices{}

	if streamFactory == nil {
		streamFactory = func(deviceID string) streams.Streamer {
			return newFakeVideoStreamer(nil)
		}
	}

	s := &Server{
		config:    cfg,
		registry:  sessions.NewRegistry(factory.factory),
		streams:   streams.NewManager(streamFactory),
		devices:   devices,
		store:     store,
		shells:    shell.NewManager(shell.ManagerConfig{ADBPath: "adb", DefaultRows: 24, DefaultCols: 80}),
		taskLocks: make(map[string]*sync.Mutex),
		ports:     make(map[string]int),
		nextPort:  cfg.ScrcpyPortBase,
	}
	return &testEnv{server: s, factory: factory, devices: devices}
}

// initDevice registers a scripted agent for a device through the registry.
func (e *testEnv) initDevice(t *testing.T, deviceID string, a *scriptedAgent) {
	t.Helper()
	e.factory.mu.Lock()
	e.factory.queue = append(e.factory.queue, a)
	e.factory.mu.Unlock()

	err := e.server.registry.Create(deviceID,
		agent.ModelConfig{BaseURL: "http://model.local/v1"},
		agent.Config{MaxSteps: a.maxSteps})
	if err != nil {
		t.Fatalf("init device %s: %v", deviceID, err)
	}
}
