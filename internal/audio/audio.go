// Package audio enumerates host audio endpoints and runs capture sessions
// that feed PCM into a transcoder.
package audio

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrDeviceQuery      = errors.New("audio: device query failed")
	ErrDeviceNotFound   = errors.New("audio: device not found")
	ErrHardwareStream   = errors.New("audio: hardware stream failed")
	ErrAlreadyCapturing = errors.New("audio: capture already in progress")
)

// Device describes one host audio endpoint.
type Device struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InputChannels  int    `json:"inputChannels"`
	OutputChannels int    `json:"outputChannels"`
	SampleRates    []int  `json:"sampleRates"`
	IsDefault      bool   `json:"isDefault"`
	IsInput        bool   `json:"isInput"`
	IsOutput       bool   `json:"isOutput"`
}

// normalize derives IsInput and IsOutput from the channel counts.
func (d *Device) normalize() {
	d.IsInput = d.InputChannels > 0
	d.IsOutput = d.OutputChannels > 0
}

// CaptureChannels is the channel count a capture on d is opened with: the
// device's output channel count, or its input channel count for input-only
// endpoints.
func (d Device) CaptureChannels() int {
	if d.OutputChannels > 0 {
		return d.OutputChannels
	}
	return d.InputChannels
}

// StreamParams is the negotiated stream format reported in the started event.
type StreamParams struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
	FrameSize  int `json:"frameSize"`
}

// FrameBytes is the size of one s16le frame buffer.
func (p StreamParams) FrameBytes() int {
	return p.FrameSize * p.Channels * 2
}

// Host is the platform audio subsystem.
type Host interface {
	// Devices queries the subsystem afresh on every call.
	Devices() ([]Device, error)
	// OpenStream opens a capture stream on dev. onFrame receives each frame
	// of interleaved s16le PCM; the slice is owned by the callee.
	OpenStream(dev Device, params StreamParams, onFrame func(pcm []byte)) (Stream, error)
}

// Stream is an open hardware capture stream.
type Stream interface {
	// Params is the format actually opened, which may differ from the
	// request when the hardware offers fewer channels.
	Params() StreamParams
	Start() error
	// Stop halts capture. No onFrame call happens after Stop returns.
	Stop() error
	Close() error
	// Errors delivers asynchronous hardware failures.
	Errors() <-chan error
}

// ListDevices queries h and normalizes the result.
func ListDevices(h Host) ([]Device, error) {
	devs, err := h.Devices()
	if err != nil {
		if errors.Is(err, ErrDeviceQuery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceQuery, err)
	}
	for i := range devs {
		devs[i].normalize()
	}
	return devs, nil
}

// FindDevice returns the device whose ID matches id. Numeric ids are
// compared by value so "07" finds device "7".
func FindDevice(devs []Device, id string) (Device, error) {
	for _, d := range devs {
		if d.ID == id {
			return d, nil
		}
	}
	if n, err := strconv.Atoi(id); err == nil {
		for _, d := range devs {
			if m, err := strconv.Atoi(d.ID); err == nil && m == n {
				return d, nil
			}
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}
