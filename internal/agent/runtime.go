package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// runtime protocol message types
type runtimeRequest struct {
	Type        string       `json:"type"` // "init", "step", "reset"
	Instruction string       `json:"instruction,omitempty"`
	Model       *ModelConfig `json:"model,omitempty"`
	Agent       *Config      `json:"agent,omitempty"`
}

type runtimeResponse struct {
	Type     string `json:"type"` // "step_result", "ok", "error"
	Thinking string `json:"thinking,omitempty"`
	Action   string `json:"action,omitempty"`
	Message  string `json:"message,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// RuntimeConfig holds parameters for spawning a runtime subprocess.
type RuntimeConfig struct {
	// Command is the runtime binary name (e.g. "phone-agent").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Model and Agent are handed to the subprocess as the init message.
	Model ModelConfig
	Agent Config
}

// Runtime is an Agent backed by a runtime subprocess. The subprocess owns
// the reasoning loop; the Go side owns the step counter and lifecycle.
type Runtime struct {
	model ModelConfig
	cfg   Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu        sync.Mutex
	stepCount int
	closed    bool
}

// NewRuntime spawns the runtime subprocess and sends it the init message.
func NewRuntime(rc RuntimeConfig) (*Runtime, error) {
	cmd := exec.Command(rc.Command, rc.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start agent runtime: %w", err)
	}

	slog.Info("Agent runtime started",
		"command", rc.Command, "device", rc.Agent.DeviceID, "pid", cmd.Process.Pid)

	// Surface runtime diagnostics without blocking the protocol stream.
	go drainStderr(rc.Agent.DeviceID, stderr)

	r := &Runtime{
		model:  rc.Model,
		cfg:    rc.Agent,
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 256*1024),
	}

	if err := r.send(runtimeRequest{Type: "init", Model: &rc.Model, Agent: &rc.Agent}); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("send init: %w", err)
	}
	return r, nil
}

// NewRuntimeFactory returns a Factory that spawns runtime subprocesses with
// the given command line.
func NewRuntimeFactory(command string, args []string) Factory {
	return func(model ModelConfig, cfg Config) (Agent, error) {
		return NewRuntime(RuntimeConfig{Command: command, Args: args, Model: model, Agent: cfg})
	}
}

// Step executes one agent step. An empty instruction continues the current
// task. The step counter increments once per successful protocol exchange.
func (r *Runtime) Step(ctx context.Context, instruction string) (StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return StepResult{}, fmt.Errorf("agent runtime is closed")
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	if err := r.send(runtimeRequest{Type: "step", Instruction: instruction}); err != nil {
		return StepResult{}, fmt.Errorf("send step: %w", err)
	}

	resp, err := r.receive()
	if err != nil {
		return StepResult{}, fmt.Errorf("read step result: %w", err)
	}
	if resp.Type == "error" {
		return StepResult{}, fmt.Errorf("agent step failed: %s", resp.Message)
	}
	if resp.Type != "step_result" {
		return StepResult{}, fmt.Errorf("unexpected runtime message %q", resp.Type)
	}

	r.stepCount++
	return StepResult{
		Thinking: resp.Thinking,
		Action:   resp.Action,
		Message:  resp.Message,
		Success:  resp.Success,
		Finished: resp.Finished,
	}, nil
}

// Reset returns the runtime to a fresh state and zeroes the step counter.
func (r *Runtime) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("agent runtime is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.send(runtimeRequest{Type: "reset"}); err != nil {
		return fmt.Errorf("send reset: %w", err)
	}
	resp, err := r.receive()
	if err != nil {
		return fmt.Errorf("read reset ack: %w", err)
	}
	if resp.Type == "error" {
		return fmt.Errorf("agent reset failed: %s", resp.Message)
	}

	r.stepCount = 0
	return nil
}

// StepCount returns the number of steps taken since the last reset.
func (r *Runtime) StepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepCount
}

// MaxSteps returns the configured step budget.
func (r *Runtime) MaxSteps() int {
	return r.cfg.MaxSteps
}

// Close stops the runtime subprocess.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Closing stdin signals the runtime to exit; kill covers the rest.
	r.stdin.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}

func (r *Runtime) send(req runtimeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = r.stdin.Write(data)
	return err
}

func (r *Runtime) receive() (runtimeResponse, error) {
	line, err := r.reader.ReadBytes('\n')
	if err != nil {
		return runtimeResponse{}, err
	}
	var resp runtimeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return runtimeResponse{}, fmt.Errorf("decode runtime message: %w", err)
	}
	return resp, nil
}

func drainStderr(deviceID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			slog.Debug("Agent runtime stderr", "device", deviceID, "line", line)
		}
	}
}
