// Package scrcpy manages screen-mirroring sessions. A Streamer owns one
// scrcpy server instance on the device, a local socket tunnel to it, and
// the raw H.264 elementary stream coming back. It caches the stream's
// SPS/PPS parameter sets so late subscribers can bootstrap a decoder
// without waiting for the next keyframe.
package scrcpy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"
)

// ErrTransport marks mid-stream failures of the mirroring transport.
// Relay loops treat it as fatal and tear the streamer down.
var ErrTransport = errors.New("mirroring transport failed")

const (
	remoteServerPath = "/data/local/tmp/phone-console-scrcpy.jar"
	serverVersion    = "2.4"

	// frame header flags (high bits of the PTS field)
	ptsFlagConfig   = uint64(1) << 63
	ptsFlagKeyFrame = uint64(1) << 62
)

var annexBStartCode = []byte{0, 0, 0, 1}

// Config holds parameters for one mirroring session.
type Config struct {
	DeviceID     string
	ADBPath      string
	ServerPath   string // local scrcpy-server jar to push
	LocalPort    int
	MaxSize      int
	BitRate      int
	StartTimeout time.Duration
}

// Streamer is a live mirroring connection for one device.
type Streamer struct {
	cfg  Config
	scid string

	cmd  *exec.Cmd
	conn net.Conn

	// readMu serializes chunk reads so a second subscriber cannot
	// interleave partial frame reads with the first.
	readMu sync.Mutex

	mu      sync.Mutex
	sps     []byte
	pps     []byte
	stopped bool
}

// New creates a Streamer. Start must be called before ReadChunk.
func New(cfg Config) *Streamer {
	return &Streamer{cfg: cfg, scid: newSCID()}
}

// DeviceID returns the device this streamer mirrors.
func (s *Streamer) DeviceID() string {
	return s.cfg.DeviceID
}

// Start pushes the scrcpy server to the device, opens the socket tunnel,
// launches the server and completes the stream handshake.
func (s *Streamer) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout())
	defer cancel()

	if err := s.adb(ctx, "push", s.cfg.ServerPath, remoteServerPath); err != nil {
		return fmt.Errorf("push scrcpy server: %w", err)
	}
	if err := s.adb(ctx, "forward",
		fmt.Sprintf("tcp:%d", s.cfg.LocalPort), "localabstract:scrcpy_"+s.scid); err != nil {
		return fmt.Errorf("forward scrcpy socket: %w", err)
	}

	cmd := exec.Command(s.cfg.ADBPath, "-s", s.cfg.DeviceID, "shell",
		"CLASSPATH="+remoteServerPath, "app_process", "/", "com.genymobile.scrcpy.Server",
		serverVersion,
		"scid="+s.scid,
		"log_level=warn",
		"video=true", "audio=false", "control=false",
		fmt.Sprintf("max_size=%d", s.cfg.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", s.cfg.BitRate),
		"send_frame_meta=true",
		"tunnel_forward=true",
	)
	if err := cmd.Start(); err != nil {
		s.removeForward()
		return fmt.Errorf("start scrcpy server: %w", err)
	}
	s.cmd = cmd

	conn, err := s.dial(ctx)
	if err != nil {
		s.Stop()
		return fmt.Errorf("connect to scrcpy server: %w", err)
	}
	s.conn = conn

	if err := s.handshake(); err != nil {
		s.Stop()
		return fmt.Errorf("scrcpy handshake: %w", err)
	}

	slog.Info("Mirroring session started",
		"device", s.cfg.DeviceID, "port", s.cfg.LocalPort, "scid", s.scid)
	return nil
}

// dial connects to the forwarded socket, retrying until the server is up
// or the context expires.
func (s *Streamer) dial(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.LocalPort)
	var lastErr error
	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// handshake consumes the scrcpy stream preamble: a dummy byte, the padded
// device name, and the video header (codec id, width, height).
func (s *Streamer) handshake() error {
	var dummy [1]byte
	if _, err := io.ReadFull(s.conn, dummy[:]); err != nil {
		return fmt.Errorf("read dummy byte: %w", err)
	}

	var name [64]byte
	if _, err := io.ReadFull(s.conn, name[:]); err != nil {
		return fmt.Errorf("read device name: %w", err)
	}

	var videoHeader [12]byte
	if _, err := io.ReadFull(s.conn, videoHeader[:]); err != nil {
		return fmt.Errorf("read video header: %w", err)
	}

	width := binary.BigEndian.Uint32(videoHeader[4:8])
	height := binary.BigEndian.Uint32(videoHeader[8:12])
	slog.Debug("Mirroring stream negotiated",
		"device", s.cfg.DeviceID,
		"name", string(bytes.TrimRight(name[:], "\x00")),
		"width", width, "height", height)
	return nil
}

// ReadChunk reads one H.264 packet from the stream. Configuration packets
// refresh the cached SPS/PPS before being returned. Blocks until data is
// available; any socket failure is reported as ErrTransport.
func (s *Streamer) ReadChunk() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	conn := s.connection()
	if conn == nil {
		return nil, fmt.Errorf("%w: streamer is stopped", ErrTransport)
	}

	var header [12]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("%w: read frame header: %v", ErrTransport, err)
	}

	pts := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("%w: read frame payload: %v", ErrTransport, err)
	}

	if pts&ptsFlagConfig != 0 {
		s.cacheParameterSets(payload)
	}
	return payload, nil
}

// cacheParameterSets extracts SPS and PPS NAL units from a configuration
// packet and stores them in Annex-B form.
func (s *Streamer) cacheParameterSets(payload []byte) {
	sps, pps := extractParameterSets(payload)
	if sps == nil && pps == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sps != nil {
		s.sps = sps
	}
	if pps != nil {
		s.pps = pps
	}
}

// ParameterSets returns the concatenated SPS+PPS in Annex-B form, or nil
// if the stream has not produced a configuration packet yet.
func (s *Streamer) ParameterSets() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sps == nil || s.pps == nil {
		return nil
	}
	init := make([]byte, 0, len(s.sps)+len(s.pps))
	init = append(init, s.sps...)
	init = append(init, s.pps...)
	return init
}

// Stop tears the session down: socket, server process and port tunnel.
// Safe to call more than once.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.removeForward()

	slog.Info("Mirroring session stopped", "device", s.cfg.DeviceID)
}

func (s *Streamer) connection() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Streamer) removeForward() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.adb(ctx, "forward", "--remove", fmt.Sprintf("tcp:%d", s.cfg.LocalPort))
}

func (s *Streamer) adb(ctx context.Context, args ...string) error {
	full := append([]string{"-s", s.cfg.DeviceID}, args...)
	cmd := exec.CommandContext(ctx, s.cfg.ADBPath, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%s", msg)
		}
		return err
	}
	return nil
}

func (s *Streamer) startTimeout() time.Duration {
	if s.cfg.StartTimeout > 0 {
		return s.cfg.StartTimeout
	}
	return 10 * time.Second
}

func newSCID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
