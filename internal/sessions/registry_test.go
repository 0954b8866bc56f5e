package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/workspace/phone-console/internal/agent"
)

// stubAgent is an in-memory Agent for registry tests.
type stubAgent struct {
	id       int
	steps    int
	maxSteps int
	resetErr error
	closed   bool
}

func (s *stubAgent) Step(ctx context.Context, instruction string) (agent.StepResult, error) {
	s.steps++
	return agent.StepResult{Success: true}, nil
}

func (s *stubAgent) Reset(ctx context.Context) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	s.steps = 0
	return nil
}

func (s *stubAgent) StepCount() int { return s.steps }
func (s *stubAgent) MaxSteps() int  { return s.maxSteps }
func (s *stubAgent) Close() error {
	s.closed = true
	return nil
}

// stubFactory counts constructions and hands out identifiable agents.
type stubFactory struct {
	built    []*stubAgent
	failNext bool
}

func (f *stubFactory) factory(model agent.ModelConfig, cfg agent.Config) (agent.Agent, error) {
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("construction failed")
	}
	a := &stubAgent{id: len(f.built), maxSteps: cfg.MaxSteps}
	f.built = append(f.built, a)
	return a, nil
}

func validModel() agent.ModelConfig {
	return agent.ModelConfig{BaseURL: "http://model.local/v1", ModelName: "m"}
}

func TestCreateRequiresDeviceID(t *testing.T) {
	r := NewRegistry((&stubFactory{}).factory)
	if err := r.Create("", validModel(), agent.Config{}); err == nil {
		t.Fatal("expected error for empty device id")
	}
}

func TestCreateRequiresEndpoint(t *testing.T) {
	r := NewRegistry((&stubFactory{}).factory)
	err := r.Create("d1", agent.ModelConfig{}, agent.Config{})
	if !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	if r.Has("d1") {
		t.Fatal("failed create must not leave state behind")
	}
}

func TestCreateAndLookup(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	if err := r.Create("d1", validModel(), agent.Config{MaxSteps: 10}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, err := r.Get("d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.MaxSteps() != 10 {
		t.Errorf("MaxSteps = %d, want 10", a.MaxSteps())
	}

	if _, err := r.Get("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cached, ok := r.Config("d1")
	if !ok || cached.Agent.DeviceID != "d1" {
		t.Fatalf("cached config missing or wrong: %+v ok=%v", cached, ok)
	}
}

func TestRestoreConfigSeedsWithoutInstance(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	r.RestoreConfig("d1", validModel(), agent.Config{MaxSteps: 30})
	if r.Has("d1") {
		t.Fatal("restore must not create an instance")
	}
	cached, ok := r.Config("d1")
	if !ok || cached.Agent.MaxSteps != 30 {
		t.Fatalf("restored config missing or wrong: %+v ok=%v", cached, ok)
	}

	// A live config from Create wins over a later restore.
	if err := r.Create("d1", validModel(), agent.Config{MaxSteps: 10}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.RestoreConfig("d1", validModel(), agent.Config{MaxSteps: 99})
	cached, _ = r.Config("d1")
	if cached.Agent.MaxSteps != 10 {
		t.Fatalf("restore overwrote live config: %+v", cached)
	}
}

func TestCreateOverwritesExisting(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	_ = r.Create("d1", validModel(), agent.Config{})
	first := f.built[0]
	_ = r.Create("d1", validModel(), agent.Config{})

	a, _ := r.Get("d1")
	if a == agent.Agent(first) {
		t.Fatal("expected a fresh instance after overwrite")
	}
	if !first.closed {
		t.Fatal("replaced instance was not closed")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestResetRecreatesWithSameConfig(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	cfg := agent.Config{MaxSteps: 42, Lang: "cn"}
	if err := r.Create("d1", validModel(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, _ := r.Get("d1")
	_, _ = before.Step(context.Background(), "task")

	if err := r.Reset(context.Background(), "d1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	after, _ := r.Get("d1")
	if after == before {
		t.Fatal("expected a different instance identity after reset")
	}
	if after.MaxSteps() != 42 {
		t.Errorf("recreated MaxSteps = %d, want 42", after.MaxSteps())
	}
	if after.StepCount() != 0 {
		t.Errorf("recreated StepCount = %d, want 0", after.StepCount())
	}
	if !f.built[0].closed {
		t.Error("previous instance was not closed")
	}
}

func TestResetUnknownDevice(t *testing.T) {
	r := NewRegistry((&stubFactory{}).factory)
	if err := r.Reset(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetSurvivesStatefulResetFailure(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	_ = r.Create("d1", validModel(), agent.Config{})
	f.built[0].resetErr = fmt.Errorf("runtime wedged")

	if err := r.Reset(context.Background(), "d1"); err != nil {
		t.Fatalf("Reset should succeed via recreation: %v", err)
	}
	after, _ := r.Get("d1")
	if after == agent.Agent(f.built[0]) {
		t.Fatal("expected recreated instance")
	}
}

func TestResetRecreationFailureKeepsInstance(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)

	_ = r.Create("d1", validModel(), agent.Config{})
	f.failNext = true

	if err := r.Reset(context.Background(), "d1"); err == nil {
		t.Fatal("expected recreation error")
	}
	if !r.Has("d1") {
		t.Fatal("instance must survive a failed recreation")
	}
}

func TestDevicesSorted(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)
	_ = r.Create("b", validModel(), agent.Config{})
	_ = r.Create("a", validModel(), agent.Config{})

	ids := r.Devices()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("Devices = %v", ids)
	}
}

func TestCloseAll(t *testing.T) {
	f := &stubFactory{}
	r := NewRegistry(f.factory)
	_ = r.Create("a", validModel(), agent.Config{})
	_ = r.Create("b", validModel(), agent.Config{})

	r.CloseAll()
	if r.Count() != 0 {
		t.Fatalf("Count = %d after CloseAll", r.Count())
	}
	for _, a := range f.built {
		if !a.closed {
			t.Fatal("agent not closed by CloseAll")
		}
	}
}
