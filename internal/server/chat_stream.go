package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/workspace/phone-console/internal/agent"
)

// handleChatStream runs a task and pushes progress over SSE. Event
// sequence: one `step` event per executed step, then exactly one terminal
// `done` event, or an `error` event with no `done` after it. The agent is
// reset after every terminal transition, error paths included.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so events reach the client per step.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lock := s.taskLock(req.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	relay := &sseRelay{w: w, flusher: flusher}
	outcome := s.relayTask(r, ag, req.Message, relay)

	recorded := outcome.Message
	if outcome.err != nil {
		recorded = outcome.err.Error()
	}
	s.recordTaskRun(req.DeviceID, req.Message, recorded, outcome.Steps, outcome.Success, outcome.Finished)

	// Unconditional reset so the next task starts clean.
	if err := ag.Reset(r.Context()); err != nil {
		slog.Warn("Agent reset after task failed", "device", req.DeviceID, "error", err)
	}
}

// streamOutcome is taskOutcome plus the step error, when one occurred.
type streamOutcome struct {
	taskOutcome
	err error
}

// relayTask is the per-task state machine: Stepping until the agent
// reports finished (done), the budget runs out (done with the last step's
// success flag) or a step fails (error, and nothing after it).
func (s *Server) relayTask(r *http.Request, ag agent.Agent, instruction string, relay *sseRelay) streamOutcome {
	ctx := r.Context()

	res, err := ag.Step(ctx, instruction)
	for {
		if err != nil {
			relay.sendError(err.Error())
			return streamOutcome{taskOutcome: taskOutcome{Steps: ag.StepCount()}, err: err}
		}

		relay.sendStep(streamStepEvent{
			Type:     "step",
			Step:     ag.StepCount(),
			Thinking: res.Thinking,
			Action:   res.Action,
			Success:  res.Success,
			Finished: res.Finished,
		})

		if res.Finished {
			relay.sendDone(streamDoneEvent{
				Type:    "done",
				Message: res.Message,
				Steps:   ag.StepCount(),
				Success: res.Success,
			})
			return streamOutcome{taskOutcome: taskOutcome{
				Message: res.Message, Steps: ag.StepCount(), Success: res.Success, Finished: true,
			}}
		}

		if ag.StepCount() >= ag.MaxSteps() {
			relay.sendDone(streamDoneEvent{
				Type:    "done",
				Message: "Max steps reached",
				Steps:   ag.StepCount(),
				Success: res.Success,
			})
			return streamOutcome{taskOutcome: taskOutcome{
				Message: "Max steps reached", Steps: ag.StepCount(), Success: res.Success,
			}}
		}

		res, err = ag.Step(ctx, "")
	}
}

// sseRelay writes server-sent events, flushing after each one. Write
// failures (client gone) are remembered and later events become no-ops;
// the task itself still runs to its terminal state.
type sseRelay struct {
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

func (r *sseRelay) send(event string, payload any) {
	if r.dead {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Could not marshal SSE payload", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		r.dead = true
		return
	}
	r.flusher.Flush()
}

func (r *sseRelay) sendStep(e streamStepEvent) { r.send("step", e) }
func (r *sseRelay) sendDone(e streamDoneEvent) { r.send("done", e) }
func (r *sseRelay) sendError(message string) {
	r.send("error", streamErrorEvent{Type: "error", Message: message})
}
