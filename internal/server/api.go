package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/workspace/phone-console/internal/agent"
	"github.com/workspace/phone-console/internal/persistence"
	"github.com/workspace/phone-console/internal/sessions"
)

// handleInit creates (or replaces) the agent session for a device.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqModel := req.Model
	if reqModel == nil {
		reqModel = &APIModelConfig{}
	}
	reqAgent := req.Agent
	if reqAgent == nil {
		reqAgent = &APIAgentConfig{Verbose: true}
	}

	deviceID := reqAgent.DeviceID
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required in agent_config")
		return
	}

	model, cfg := s.resolveConfig(deviceID, reqModel, reqAgent)
	if model.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "base_url is required (in model_config or env)")
		return
	}

	if err := s.registry.Create(deviceID, model, cfg); err != nil {
		if errors.Is(err, sessions.ErrNoEndpoint) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Agent init failed", "device", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.persistConfig(deviceID, model, cfg)

	writeJSON(w, http.StatusOK, InitResponse{
		Success:  true,
		DeviceID: deviceID,
		Message:  fmt.Sprintf("Agent initialized for device %s", deviceID),
	})
}

// resolveConfig merges the request's configuration with the device's
// persisted configuration and the environment defaults, in that order.
func (s *Server) resolveConfig(deviceID string, m *APIModelConfig, a *APIAgentConfig) (agent.ModelConfig, agent.Config) {
	cached, hasCached := s.registry.Config(deviceID)

	model := agent.ModelConfig{
		BaseURL:          m.BaseURL,
		APIKey:           m.APIKey,
		ModelName:        m.ModelName,
		MaxTokens:        m.MaxTokens,
		Temperature:      m.Temperature,
		TopP:             m.TopP,
		FrequencyPenalty: m.FrequencyPenalty,
	}
	if model.BaseURL == "" && hasCached {
		model.BaseURL = cached.Model.BaseURL
	}
	if model.BaseURL == "" {
		model.BaseURL = s.config.DefaultBaseURL
	}
	if model.APIKey == "" && hasCached {
		model.APIKey = cached.Model.APIKey
	}
	if model.APIKey == "" {
		model.APIKey = s.config.DefaultAPIKey
	}
	if model.ModelName == "" && hasCached {
		model.ModelName = cached.Model.ModelName
	}
	if model.ModelName == "" {
		model.ModelName = s.config.DefaultModelName
	}
	if model.MaxTokens == 0 {
		model.MaxTokens = 3000
	}
	if model.TopP == 0 {
		model.TopP = 0.85
	}
	if model.FrequencyPenalty == 0 {
		model.FrequencyPenalty = 0.2
	}

	cfg := agent.Config{
		MaxSteps:     a.MaxSteps,
		DeviceID:     deviceID,
		Lang:         a.Lang,
		SystemPrompt: a.SystemPrompt,
		Verbose:      a.Verbose,
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 100
	}
	if cfg.Lang == "" {
		cfg.Lang = "cn"
	}
	return model, cfg
}

// persistConfig saves the construction configuration so it survives
// restarts. Failures are logged, not surfaced: persistence is best-effort.
func (s *Server) persistConfig(deviceID string, model agent.ModelConfig, cfg agent.Config) {
	modelJSON, err := json.Marshal(model)
	if err != nil {
		slog.Warn("Could not serialize model config", "device", deviceID, "error", err)
		return
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		slog.Warn("Could not serialize agent config", "device", deviceID, "error", err)
		return
	}
	if err := s.store.UpsertSessionConfig(persistence.SessionConfig{
		DeviceID:  deviceID,
		ModelJSON: string(modelJSON),
		AgentJSON: string(cfgJSON),
	}); err != nil {
		slog.Warn("Could not persist session config", "device", deviceID, "error", err)
	}
}

// handleChat runs a task to completion and responds with the final result.
// Task failures are reported in-body with success=false, not as HTTP errors.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ag, err := s.registry.Get(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Device %s not initialized. Call /api/init first.", req.DeviceID))
		return
	}

	lock := s.taskLock(req.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	outcome, runErr := s.runTask(r.Context(), ag, req.Message)
	recorded := outcome.Message
	if runErr != nil {
		recorded = runErr.Error()
	}
	s.recordTaskRun(req.DeviceID, req.Message, recorded, outcome.Steps, outcome.Success, outcome.Finished)
	if err := ag.Reset(r.Context()); err != nil {
		slog.Warn("Agent reset after task failed", "device", req.DeviceID, "error", err)
	}

	if runErr != nil {
		writeJSON(w, http.StatusOK, ChatResponse{Result: runErr.Error(), Steps: 0, Success: false})
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Result: outcome.Message, Steps: outcome.Steps, Success: outcome.Success})
}

// taskOutcome is the terminal state of one buffered task run. Finished is
// false when the step budget ran out before the agent reported completion.
type taskOutcome struct {
	Message  string
	Steps    int
	Success  bool
	Finished bool
}

// runTask drives the agent step-by-step until it reports finished or the
// step budget is exhausted. The budget path reports the last step's success
// flag, not a synthesized failure.
func (s *Server) runTask(ctx context.Context, ag agent.Agent, instruction string) (taskOutcome, error) {
	res, err := ag.Step(ctx, instruction)
	if err != nil {
		return taskOutcome{}, err
	}
	for {
		if res.Finished {
			return taskOutcome{Message: res.Message, Steps: ag.StepCount(), Success: res.Success, Finished: true}, nil
		}
		if ag.StepCount() >= ag.MaxSteps() {
			return taskOutcome{Message: "Max steps reached", Steps: ag.StepCount(), Success: res.Success}, nil
		}
		res, err = ag.Step(ctx, "")
		if err != nil {
			return taskOutcome{Steps: ag.StepCount()}, err
		}
	}
}

// recordTaskRun appends the run to the persistent history (best-effort).
func (s *Server) recordTaskRun(deviceID, instruction, message string, steps int, success, finished bool) {
	if err := s.store.InsertTaskRun(persistence.TaskRun{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Instruction: instruction,
		Message:     message,
		Steps:       steps,
		Success:     success,
		Finished:    finished,
	}); err != nil {
		slog.Warn("Could not record task run", "device", deviceID, "error", err)
	}
}

// handleStatus reports session state for one device, or a global summary
// when no device is given.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	if deviceID == "" {
		writeJSON(w, http.StatusOK, StatusResponse{
			Version:     Version,
			Initialized: s.registry.Count() > 0,
			StepCount:   0,
		})
		return
	}

	ag, err := s.registry.Get(deviceID)
	if err != nil {
		writeJSON(w, http.StatusOK, StatusResponse{Version: Version, Initialized: false, StepCount: 0})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:     Version,
		Initialized: true,
		StepCount:   ag.StepCount(),
	})
}

// handleReset resets a device's agent session.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if err := s.registry.Reset(r.Context(), req.DeviceID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Device %s not found", req.DeviceID))
			return
		}
		slog.Error("Agent reset failed", "device", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ResetResponse{
		Success:  true,
		DeviceID: req.DeviceID,
		Message:  fmt.Sprintf("Agent reset for device %s", req.DeviceID),
	})
}

// handleDevices lists connected devices annotated with session state.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context())
	if err != nil {
		slog.Error("Device enumeration failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		model := d.Model
		if model == "" {
			model = "Unknown"
		}
		infos = append(infos, DeviceInfo{
			ID:             d.ID,
			Model:          model,
			Status:         d.Status,
			ConnectionType: string(d.ConnectionType),
			IsInitialized:  s.registry.Has(d.ID),
		})
	}
	writeJSON(w, http.StatusOK, DeviceListResponse{Devices: infos})
}

// handleScreenshot captures a still frame. Capture failures are reported
// in-body so the client can distinguish them from protocol errors.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	shot, err := s.devices.CaptureScreenshot(r.Context(), req.DeviceID)
	if err != nil {
		writeJSON(w, http.StatusOK, ScreenshotResponse{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ScreenshotResponse{
		Success:     true,
		Image:       base64.StdEncoding.EncodeToString(shot.PNG),
		Width:       shot.Width,
		Height:      shot.Height,
		IsSensitive: shot.Sensitive,
	})
}

// handleTasks returns recent task history, optionally filtered by device.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	runs, err := s.store.ListTaskRuns(deviceID, s.config.TaskHistoryLimit)
	if err != nil {
		slog.Error("Task history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tasks := make([]TaskRunInfo, 0, len(runs))
	for _, run := range runs {
		tasks = append(tasks, TaskRunInfo{
			ID:          run.ID,
			DeviceID:    run.DeviceID,
			Instruction: run.Instruction,
			Message:     run.Message,
			Steps:       run.Steps,
			Success:     run.Success,
			Finished:    run.Finished,
			CreatedAt:   run.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks})
}
