// Package agent manages phone agent instances. Each instance wraps a
// runtime subprocess that turns natural-language instructions into device
// actions one step at a time; the subprocess speaks NDJSON over stdio.
package agent

import "context"

// ModelConfig holds the model endpoint parameters an instance is
// constructed with. Immutable after construction.
type ModelConfig struct {
	BaseURL          string  `json:"base_url"`
	APIKey           string  `json:"api_key"`
	ModelName        string  `json:"model_name"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

// Config holds the execution parameters an instance is constructed with.
type Config struct {
	MaxSteps     int    `json:"max_steps"`
	DeviceID     string `json:"device_id"`
	Lang         string `json:"lang"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Verbose      bool   `json:"verbose"`
}

// StepResult is the outcome of a single agent step.
type StepResult struct {
	Thinking string `json:"thinking"`
	Action   string `json:"action"`
	Message  string `json:"message"`
	Success  bool   `json:"success"`
	Finished bool   `json:"finished"`
}

// Agent drives one device, one step at a time. Step with a non-empty
// instruction begins a task; subsequent steps continue it. Implementations
// are not safe for concurrent use; callers serialize access per device.
type Agent interface {
	Step(ctx context.Context, instruction string) (StepResult, error)
	Reset(ctx context.Context) error
	StepCount() int
	MaxSteps() int
	Close() error
}

// Factory constructs a fresh Agent from a configuration pair. The session
// registry uses it both for initial construction and for recreation on reset.
type Factory func(model ModelConfig, cfg Config) (Agent, error)
