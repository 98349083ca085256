package audio

import (
	"errors"
	"testing"
)

type stubHost struct {
	devs []Device
	err  error
}

func (h stubHost) Devices() ([]Device, error) { return h.devs, h.err }
func (h stubHost) OpenStream(Device, StreamParams, func([]byte)) (Stream, error) {
	return nil, errors.New("not implemented")
}

func TestListDevicesDerivesDirections(t *testing.T) {
	h := stubHost{devs: []Device{
		{ID: "0", Name: "Mic", InputChannels: 1},
		{ID: "1", Name: "Speakers", OutputChannels: 2},
		{ID: "2", Name: "Headset", InputChannels: 1, OutputChannels: 2},
		{ID: "3", Name: "Null"},
	}}

	devs, err := ListDevices(h)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}

	tests := []struct {
		id            string
		input, output bool
	}{
		{"0", true, false},
		{"1", false, true},
		{"2", true, true},
		{"3", false, false},
	}
	for i, tt := range tests {
		if devs[i].IsInput != tt.input || devs[i].IsOutput != tt.output {
			t.Errorf("device %s: isInput=%v isOutput=%v, want %v/%v", tt.id, devs[i].IsInput, devs[i].IsOutput, tt.input, tt.output)
		}
	}
}

func TestListDevicesWrapsQueryError(t *testing.T) {
	_, err := ListDevices(stubHost{err: errors.New("no backend")})
	if !errors.Is(err, ErrDeviceQuery) {
		t.Fatalf("ListDevices = %v, want ErrDeviceQuery", err)
	}
}

func TestFindDevice(t *testing.T) {
	devs := []Device{{ID: "3"}, {ID: "7"}, {ID: "usb-1"}}

	if d, err := FindDevice(devs, "7"); err != nil || d.ID != "7" {
		t.Fatalf("FindDevice(7) = %+v, %v", d, err)
	}
	if d, err := FindDevice(devs, "07"); err != nil || d.ID != "7" {
		t.Fatalf("FindDevice(07) = %+v, %v", d, err)
	}
	if d, err := FindDevice(devs, "usb-1"); err != nil || d.ID != "usb-1" {
		t.Fatalf("FindDevice(usb-1) = %+v, %v", d, err)
	}
	if _, err := FindDevice(devs, "9"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("FindDevice(9) = %v, want ErrDeviceNotFound", err)
	}
}

func TestCaptureChannels(t *testing.T) {
	if got := (Device{InputChannels: 1, OutputChannels: 6}).CaptureChannels(); got != 6 {
		t.Errorf("CaptureChannels = %d, want output count 6", got)
	}
	if got := (Device{InputChannels: 2}).CaptureChannels(); got != 2 {
		t.Errorf("CaptureChannels = %d, want input fallback 2", got)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	b := Int16ToLE(nil, samples)
	if len(b) != 10 {
		t.Fatalf("encoded %d bytes, want 10", len(b))
	}
	got := LEToInt16(b)
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}
