package server

// Request and response shapes for the JSON API. Field names mirror what the
// web client sends: snake_case throughout.

// APIModelConfig carries model endpoint parameters on /api/init. Zero
// values fall back to persisted or environment defaults.
type APIModelConfig struct {
	BaseURL          string  `json:"base_url,omitempty"`
	APIKey           string  `json:"api_key,omitempty"`
	ModelName        string  `json:"model_name,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
}

// APIAgentConfig carries execution parameters on /api/init.
type APIAgentConfig struct {
	MaxSteps     int    `json:"max_steps,omitempty"`
	DeviceID     string `json:"device_id"`
	Lang         string `json:"lang,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Verbose      bool   `json:"verbose,omitempty"`
}

// InitRequest initializes an agent session for one device.
type InitRequest struct {
	Model *APIModelConfig `json:"model_config,omitempty"`
	Agent *APIAgentConfig `json:"agent_config,omitempty"`
}

// InitResponse confirms session creation.
type InitResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// ChatRequest submits a task instruction for a device.
type ChatRequest struct {
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
}

// ChatResponse is the buffered task result.
type ChatResponse struct {
	Result  string `json:"result"`
	Steps   int    `json:"steps"`
	Success bool   `json:"success"`
}

// StatusResponse reports session state for one device (or globally).
type StatusResponse struct {
	Version     string `json:"version"`
	Initialized bool   `json:"initialized"`
	StepCount   int    `json:"step_count"`
}

// ResetRequest resets a device's agent session.
type ResetRequest struct {
	DeviceID string `json:"device_id"`
}

// ResetResponse confirms the reset.
type ResetResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// DeviceInfo is one entry in the device list, annotated with whether an
// agent session exists for it.
type DeviceInfo struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	Status         string `json:"status"`
	ConnectionType string `json:"connection_type"`
	IsInitialized  bool   `json:"is_initialized"`
}

// DeviceListResponse lists connected devices.
type DeviceListResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ScreenshotRequest captures a still frame from a device.
type ScreenshotRequest struct {
	DeviceID string `json:"device_id"`
}

// ScreenshotResponse carries a base64-encoded PNG.
type ScreenshotResponse struct {
	Success     bool   `json:"success"`
	Image       string `json:"image"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	IsSensitive bool   `json:"is_sensitive"`
	Error       string `json:"error,omitempty"`
}

// TapRequest taps at device coordinates.
type TapRequest struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	DeviceID string  `json:"device_id"`
	Delay    float64 `json:"delay,omitempty"`
}

// SwipeRequest swipes between two coordinates.
type SwipeRequest struct {
	StartX     int     `json:"start_x"`
	StartY     int     `json:"start_y"`
	EndX       int     `json:"end_x"`
	EndY       int     `json:"end_y"`
	DurationMs int     `json:"duration_ms,omitempty"`
	DeviceID   string  `json:"device_id"`
	Delay      float64 `json:"delay,omitempty"`
}

// TouchRequest is a raw touch down/move/up event.
type TouchRequest struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	DeviceID string  `json:"device_id"`
	Delay    float64 `json:"delay,omitempty"`
}

// ControlResponse is the shared result shape for input control endpoints.
type ControlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// VideoResetResponse confirms mirroring teardown.
type VideoResetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TaskRunInfo is one entry of the task history.
type TaskRunInfo struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	Instruction string `json:"instruction"`
	Message     string `json:"message"`
	Steps       int    `json:"steps"`
	Success     bool   `json:"success"`
	Finished    bool   `json:"finished"`
	CreatedAt   string `json:"created_at"`
}

// TaskListResponse lists recent task runs.
type TaskListResponse struct {
	Tasks []TaskRunInfo `json:"tasks"`
}

// SSE event payloads for /api/chat/stream.

type streamStepEvent struct {
	Type     string `json:"type"`
	Step     int    `json:"step"`
	Thinking string `json:"thinking"`
	Action   string `json:"action"`
	Success  bool   `json:"success"`
	Finished bool   `json:"finished"`
}

type streamDoneEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Steps   int    `json:"steps"`
	Success bool   `json:"success"`
}

type streamErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Shell terminal WebSocket messages.

type shellClientMessage struct {
	Type string `json:"type"` // "input" | "resize" | "ping"
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

type shellServerMessage struct {
	Type  string `json:"type"` // "output" | "exit" | "error" | "pong"
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
