package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// The control endpoints delegate straight to the device transport and
// report failures in-body, matching the buffered chat convention.

func controlResult(w http.ResponseWriter, err error) {
	if err != nil {
		writeJSON(w, http.StatusOK, ControlResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Success: true})
}

// settleDelay pauses after an input event so a follow-up capture sees the
// UI in its settled state. Values are seconds, fractional allowed.
func settleDelay(delay float64) {
	if delay > 0 {
		time.Sleep(time.Duration(delay * float64(time.Second)))
	}
}

func (s *Server) handleControlTap(w http.ResponseWriter, r *http.Request) {
	var req TapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.devices.Tap(r.Context(), req.DeviceID, req.X, req.Y)
	if err == nil {
		settleDelay(req.Delay)
	}
	controlResult(w, err)
}

func (s *Server) handleControlSwipe(w http.ResponseWriter, r *http.Request) {
	var req SwipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.devices.Swipe(r.Context(), req.DeviceID, req.StartX, req.StartY, req.EndX, req.EndY, req.DurationMs)
	if err == nil {
		settleDelay(req.Delay)
	}
	controlResult(w, err)
}

func (s *Server) handleControlTouchDown(w http.ResponseWriter, r *http.Request) {
	s.handleTouch(w, r, s.devices.TouchDown)
}

func (s *Server) handleControlTouchMove(w http.ResponseWriter, r *http.Request) {
	s.handleTouch(w, r, s.devices.TouchMove)
}

func (s *Server) handleControlTouchUp(w http.ResponseWriter, r *http.Request) {
	s.handleTouch(w, r, s.devices.TouchUp)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request, event func(ctx context.Context, deviceID string, x, y int) error) {
	var req TouchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := event(r.Context(), req.DeviceID, req.X, req.Y)
	if err == nil {
		settleDelay(req.Delay)
	}
	controlResult(w, err)
}
