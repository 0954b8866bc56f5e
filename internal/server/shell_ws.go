package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// handleShellWS bridges a WebSocket to an interactive adb shell session.
// Client messages: {"type":"input","data":...}, {"type":"resize","rows":N,
// "cols":N}, {"type":"ping"}. Server messages carry raw terminal output.
func (s *Server) handleShellWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Shell WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendWSError(conn, "device_id is required")
		return
	}

	rows := queryInt(r, "rows", s.config.DefaultRows)
	cols := queryInt(r, "cols", s.config.DefaultCols)

	session, err := s.shells.CreateSession(deviceID, rows, cols)
	if err != nil {
		slog.Error("Shell session start failed", "device", deviceID, "error", err)
		sendWSError(conn, err.Error())
		return
	}
	defer session.Close()

	slog.Info("Shell session opened", "device", deviceID, "session", session.ID)

	// WriteMessage is not safe for concurrent use; the output pump and the
	// control responses share one writer lock.
	var writeMu sync.Mutex
	writeJSONMsg := func(msg shellServerMessage) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	// Output pump: PTY -> WebSocket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := session.Read(buf)
			if n > 0 {
				if werr := writeJSONMsg(shellServerMessage{Type: "output", Data: string(buf[:n])}); werr != nil {
					return
				}
			}
			if err != nil {
				_ = writeJSONMsg(shellServerMessage{Type: "exit"})
				return
			}
		}
	}()

	// Input pump: WebSocket -> PTY.
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg shellClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writeJSONMsg(shellServerMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "input":
			if _, err := session.Write([]byte(msg.Data)); err != nil {
				_ = writeJSONMsg(shellServerMessage{Type: "error", Error: err.Error()})
			}
		case "resize":
			if err := session.Resize(msg.Rows, msg.Cols); err != nil {
				_ = writeJSONMsg(shellServerMessage{Type: "error", Error: err.Error()})
			}
		case "ping":
			_ = writeJSONMsg(shellServerMessage{Type: "pong"})
		default:
			_ = writeJSONMsg(shellServerMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}

	session.Close()
	<-done
	slog.Info("Shell session closed", "device", deviceID, "session", session.ID)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
