// Package adb wraps the adb binary for device enumeration, input events
// and screenshots. It shells out; it does not speak the adb wire protocol.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"strings"
	"time"
)

// ConnectionType classifies how a device is attached.
type ConnectionType string

const (
	ConnectionUSB      ConnectionType = "usb"
	ConnectionTCPIP    ConnectionType = "tcpip"
	ConnectionEmulator ConnectionType = "emulator"
)

// Device is one entry from `adb devices -l`.
type Device struct {
	ID             string         `json:"id"`
	Model          string         `json:"model"`
	Status         string         `json:"status"`
	ConnectionType ConnectionType `json:"connection_type"`
}

// Screenshot is a captured device frame.
type Screenshot struct {
	PNG       []byte
	Width     int
	Height    int
	Sensitive bool
}

type execFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Transport executes adb commands against named devices.
type Transport struct {
	path    string
	timeout time.Duration
	exec    execFunc
}

// New creates a Transport using the given adb binary path.
func New(path string, timeout time.Duration) *Transport {
	if path == "" {
		path = "adb"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{path: path, timeout: timeout, exec: exec.CommandContext}
}

// run executes an adb command, scoped to deviceID when non-empty.
func (t *Transport) run(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if deviceID != "" {
		full = append(full, "-s", deviceID)
	}
	full = append(full, args...)

	cmd := t.exec(ctx, t.path, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("adb %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// ListDevices enumerates connected devices.
func (t *Transport) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := t.run(ctx, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(string(out)), nil
}

// parseDeviceList parses `adb devices -l` output.
func parseDeviceList(out string) []Device {
	devices := []Device{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{
			ID:             fields[0],
			Status:         fields[1],
			ConnectionType: classifyConnection(fields[0]),
		}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = v
			}
		}
		devices = append(devices, d)
	}
	return devices
}

func classifyConnection(id string) ConnectionType {
	switch {
	case strings.HasPrefix(id, "emulator-"):
		return ConnectionEmulator
	case strings.Contains(id, ":"):
		return ConnectionTCPIP
	default:
		return ConnectionUSB
	}
}

// Tap sends a tap input event.
func (t *Transport) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := t.run(ctx, deviceID, "shell", "input", "tap", itoa(x), itoa(y))
	return err
}

// Swipe sends a swipe input event. durationMs <= 0 lets the device pick.
func (t *Transport) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	args := []string{"shell", "input", "swipe", itoa(x1), itoa(y1), itoa(x2), itoa(y2)}
	if durationMs > 0 {
		args = append(args, itoa(durationMs))
	}
	_, err := t.run(ctx, deviceID, args...)
	return err
}

// TouchDown/TouchMove/TouchUp send raw motion events for drag gestures.

func (t *Transport) TouchDown(ctx context.Context, deviceID string, x, y int) error {
	_, err := t.run(ctx, deviceID, "shell", "input", "motionevent", "DOWN", itoa(x), itoa(y))
	return err
}

func (t *Transport) TouchMove(ctx context.Context, deviceID string, x, y int) error {
	_, err := t.run(ctx, deviceID, "shell", "input", "motionevent", "MOVE", itoa(x), itoa(y))
	return err
}

func (t *Transport) TouchUp(ctx context.Context, deviceID string, x, y int) error {
	_, err := t.run(ctx, deviceID, "shell", "input", "motionevent", "UP", itoa(x), itoa(y))
	return err
}

// CaptureScreenshot grabs a still PNG frame. Secure surfaces (FLAG_SECURE)
// come back empty from screencap; those are reported as sensitive rather
// than as errors so the UI can show a placeholder.
func (t *Transport) CaptureScreenshot(ctx context.Context, deviceID string) (*Screenshot, error) {
	out, err := t.run(ctx, deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return &Screenshot{Sensitive: true}, nil
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return &Screenshot{PNG: out, Width: cfg.Width, Height: cfg.Height}, nil
}

// Shell runs an arbitrary shell command on the device and returns its output.
func (t *Transport) Shell(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	return t.run(ctx, deviceID, append([]string{"shell"}, args...)...)
}

// Forward sets up a local TCP tunnel to an abstract socket on the device.
func (t *Transport) Forward(ctx context.Context, deviceID string, localPort int, socketName string) error {
	_, err := t.run(ctx, deviceID, "forward",
		fmt.Sprintf("tcp:%d", localPort), "localabstract:"+socketName)
	return err
}

// ForwardRemove removes a local TCP tunnel.
func (t *Transport) ForwardRemove(ctx context.Context, deviceID string, localPort int) error {
	_, err := t.run(ctx, deviceID, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))
	return err
}

// Push copies a local file to the device.
func (t *Transport) Push(ctx context.Context, deviceID, local, remote string) error {
	_, err := t.run(ctx, deviceID, "push", local, remote)
	return err
}

// Path returns the adb binary path, for subsystems that spawn long-running
// adb processes themselves.
func (t *Transport) Path() string {
	return t.path
}

func itoa(v int) string {
	return fmt.Sprintf("%d", v)
}
