package adb

import "testing"

func TestParseDeviceList(t *testing.T) {
	out := `List of devices attached
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 device:emu64x transport_id:1
192.168.1.20:5555      device product:cheetah model:Pixel_7_Pro device:cheetah transport_id:2
ZY22FGH7XK             unauthorized transport_id:3

`
	devices := parseDeviceList(out)
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}

	emu := devices[0]
	if emu.ID != "emulator-5554" || emu.Status != "device" {
		t.Errorf("unexpected first device: %+v", emu)
	}
	if emu.Model != "sdk_gphone64_x86_64" {
		t.Errorf("Model = %q", emu.Model)
	}
	if emu.ConnectionType != ConnectionEmulator {
		t.Errorf("ConnectionType = %q, want emulator", emu.ConnectionType)
	}

	if devices[1].ConnectionType != ConnectionTCPIP {
		t.Errorf("ConnectionType = %q, want tcpip", devices[1].ConnectionType)
	}
	if devices[1].Model != "Pixel_7_Pro" {
		t.Errorf("Model = %q", devices[1].Model)
	}

	if devices[2].Status != "unauthorized" || devices[2].ConnectionType != ConnectionUSB {
		t.Errorf("unexpected third device: %+v", devices[2])
	}
}

func TestParseDeviceListEmpty(t *testing.T) {
	devices := parseDeviceList("List of devices attached\n\n")
	if len(devices) != 0 {
		t.Fatalf("got %d devices, want 0", len(devices))
	}
}

func TestClassifyConnection(t *testing.T) {
	cases := []struct {
		id   string
		want ConnectionType
	}{
		{"emulator-5556", ConnectionEmulator},
		{"10.0.0.3:5555", ConnectionTCPIP},
		{"ZY22FGH7XK", ConnectionUSB},
	}
	for _, c := range cases {
		if got := classifyConnection(c.id); got != c.want {
			t.Errorf("classifyConnection(%q) = %q, want %q", c.id, got, c.want)
		}
	}
}
