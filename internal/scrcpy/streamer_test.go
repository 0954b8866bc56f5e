package scrcpy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9, 0x01, 0x40, 0x7b, 0x20}
	testPPS = []byte{0x68, 0xce, 0x06, 0xe2}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(annexBStartCode)
		buf.Write(n)
	}
	return buf.Bytes()
}

func framed(pts uint64, payload []byte) []byte {
	var header [12]byte
	binary.BigEndian.PutUint64(header[0:8], pts)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	return append(header[:], payload...)
}

// pipeStreamer returns a Streamer wired to an in-memory connection.
func pipeStreamer(t *testing.T) (*Streamer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return &Streamer{cfg: Config{DeviceID: "emulator-5554"}, conn: client}, server
}

func TestExtractParameterSets(t *testing.T) {
	sps, pps := extractParameterSets(annexB(testSPS, testPPS))
	if !bytes.Equal(sps, append(append([]byte{}, annexBStartCode...), testSPS...)) {
		t.Errorf("unexpected SPS: %x", sps)
	}
	if !bytes.Equal(pps, append(append([]byte{}, annexBStartCode...), testPPS...)) {
		t.Errorf("unexpected PPS: %x", pps)
	}
}

func TestExtractParameterSetsGarbage(t *testing.T) {
	sps, pps := extractParameterSets([]byte{0xde, 0xad})
	if sps != nil || pps != nil {
		t.Errorf("expected nil parameter sets, got %x / %x", sps, pps)
	}
}

func TestReadChunkCachesConfigPackets(t *testing.T) {
	s, server := pipeStreamer(t)

	config := annexB(testSPS, testPPS)
	frame := annexB(testIDR)

	go func() {
		server.Write(framed(ptsFlagConfig, config))
		server.Write(framed(ptsFlagKeyFrame|1000, frame))
	}()

	chunk, err := s.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk config: %v", err)
	}
	if !bytes.Equal(chunk, config) {
		t.Errorf("config chunk mismatch: %x", chunk)
	}

	init := s.ParameterSets()
	want := annexB(testSPS, testPPS)
	if !bytes.Equal(init, want) {
		t.Errorf("ParameterSets = %x, want %x", init, want)
	}

	chunk, err = s.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk frame: %v", err)
	}
	if !bytes.Equal(chunk, frame) {
		t.Errorf("frame chunk mismatch: %x", chunk)
	}
}

func TestParameterSetsNilUntilBothSeen(t *testing.T) {
	s, server := pipeStreamer(t)

	if init := s.ParameterSets(); init != nil {
		t.Fatalf("expected nil before any config packet, got %x", init)
	}

	go func() {
		server.Write(framed(ptsFlagConfig, annexB(testSPS)))
	}()
	if _, err := s.ReadChunk(); err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if init := s.ParameterSets(); init != nil {
		t.Fatalf("expected nil with SPS only, got %x", init)
	}
}

func TestReadChunkTransportError(t *testing.T) {
	s, server := pipeStreamer(t)

	go func() {
		server.Write(framed(0, annexB(testIDR))[:6]) // truncated header
		server.Close()
	}()

	_, err := s.ReadChunk()
	if err == nil {
		t.Fatal("expected error on truncated stream")
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error %v is not ErrTransport", err)
	}
}

func TestReadChunkAfterStop(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	s := &Streamer{cfg: Config{DeviceID: "d"}, conn: client}

	s.Stop()
	if _, err := s.ReadChunk(); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport after Stop, got %v", err)
	}

	// Stop is idempotent.
	s.Stop()
}

func TestReadChunkBlocksUntilData(t *testing.T) {
	s, server := pipeStreamer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.ReadChunk()
	}()

	select {
	case <-done:
		t.Fatal("ReadChunk returned with no data")
	case <-time.After(50 * time.Millisecond):
	}

	go func() {
		server.Write(framed(2000, annexB(testIDR)))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadChunk did not return after data arrived")
	}
}
