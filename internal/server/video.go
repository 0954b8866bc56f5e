package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/workspace/phone-console/internal/scrcpy"
	"github.com/workspace/phone-console/internal/streams"
)

// wsErrorFrame is the JSON error payload sent on the video WebSocket.
type wsErrorFrame struct {
	Error string `json:"error"`
}

func sendWSError(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(wsErrorFrame{Error: message})
	// Best effort: the client may already be gone.
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

// handleVideoStream streams raw H.264 to one WebSocket client. The device's
// mirroring session is created under the device lock, or reused with the
// cached SPS/PPS sent as the first binary frame so the client's decoder can
// bootstrap mid-stream.
func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Video WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendWSError(conn, "device_id is required")
		return
	}

	slog.Info("Video stream connected", "device", deviceID)

	streamer, err := s.streams.Ensure(r.Context(), deviceID, func(init []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, init)
	})
	if err != nil {
		slog.Error("Mirroring session unavailable", "device", deviceID, "error", err)
		sendWSError(conn, err.Error())
		return
	}

	s.relayVideo(conn, deviceID, streamer)
}

// relayVideo forwards chunks until the client goes away or the transport
// fails. Only transport failures tear the shared session down; a client
// disconnect leaves it running for other subscribers.
func (s *Server) relayVideo(conn *websocket.Conn, deviceID string, streamer streams.Streamer) {
	chunks := 0
	for {
		chunk, err := streamer.ReadChunk()
		if err != nil {
			if errors.Is(err, scrcpy.ErrTransport) {
				slog.Error("Mirroring transport failed", "device", deviceID, "error", err)
			} else {
				slog.Error("Video stream error", "device", deviceID, "error", err)
			}
			sendWSError(conn, err.Error())
			s.streams.Teardown(deviceID, streamer)
			return
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			// Client disconnect: the session stays up for other viewers.
			slog.Info("Video stream client disconnected", "device", deviceID, "chunks", chunks)
			return
		}
		chunks++
	}
}

// handleVideoReset tears down the mirroring session for one device, or for
// all devices when no filter is given. Idempotent.
func (s *Server) handleVideoReset(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	if deviceID != "" {
		if s.streams.Reset(deviceID) {
			writeJSON(w, http.StatusOK, VideoResetResponse{
				Success: true,
				Message: "Video stream reset for device " + deviceID,
			})
			return
		}
		writeJSON(w, http.StatusOK, VideoResetResponse{
			Success: true,
			Message: "No active video stream for device " + deviceID,
		})
		return
	}

	s.streams.ResetAll()
	writeJSON(w, http.StatusOK, VideoResetResponse{
		Success: true,
		Message: "All video streams reset",
	})
}
