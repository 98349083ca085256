//go:build cgo

package audio

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/breeze-rmm/deskcap/internal/logging"
)

var paLog = logging.L("portaudio")

// PortAudioHost talks to the host audio subsystem through PortAudio.
// Device ids are PortAudio device indexes.
type PortAudioHost struct {
	mu          sync.Mutex
	initialized bool
	openStreams int
}

// NewSystemHost returns the PortAudio-backed host.
func NewSystemHost() SystemHost {
	return &PortAudioHost{}
}

func (h *PortAudioHost) initLocked() error {
	if h.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	h.initialized = true
	return nil
}

func (h *PortAudioHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil
	}
	h.initialized = false
	return portaudio.Terminate()
}

func (h *PortAudioHost) Devices() ([]Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// PortAudio snapshots the device list at Initialize. Re-initialize to
	// pick up hot-plugged endpoints unless a stream is using the library.
	if h.initialized && h.openStreams == 0 {
		if err := portaudio.Terminate(); err != nil {
			paLog.Debug("terminate before refresh", "error", err)
		}
		h.initialized = false
	}
	if err := h.initLocked(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrDeviceQuery, err)
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceQuery, err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	devs := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{
			ID:             strconv.Itoa(info.Index),
			Name:           info.Name,
			InputChannels:  info.MaxInputChannels,
			OutputChannels: info.MaxOutputChannels,
			IsDefault:      sameDevice(info, defIn) || sameDevice(info, defOut),
			SampleRates:    supportedRates(info),
		}
		d.normalize()
		devs = append(devs, d)
	}
	return devs, nil
}

func sameDevice(a, b *portaudio.DeviceInfo) bool {
	return a != nil && b != nil && a.Index == b.Index
}

func supportedRates(info *portaudio.DeviceInfo) []int {
	var rates []int
	for _, rate := range candidateRates {
		p := portaudio.StreamParameters{SampleRate: float64(rate)}
		switch {
		case info.MaxInputChannels > 0:
			p.Input = portaudio.StreamDeviceParameters{Device: info, Channels: info.MaxInputChannels, Latency: info.DefaultHighInputLatency}
		case info.MaxOutputChannels > 0:
			p.Output = portaudio.StreamDeviceParameters{Device: info, Channels: info.MaxOutputChannels, Latency: info.DefaultHighOutputLatency}
		default:
			return nil
		}
		if portaudio.IsFormatSupported(p, make([]int16, 0)) == nil {
			rates = append(rates, rate)
		}
	}
	return rates
}

func (h *PortAudioHost) OpenStream(dev Device, params StreamParams, onFrame func(pcm []byte)) (Stream, error) {
	idx, err := strconv.Atoi(dev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, dev.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.initLocked(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrHardwareStream, err)
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardwareStream, err)
	}
	var info *portaudio.DeviceInfo
	for _, candidate := range infos {
		if candidate.Index == idx {
			info = candidate
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, dev.ID)
	}
	if info.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %q has no capture channels", ErrHardwareStream, info.Name)
	}

	actual := params
	if actual.Channels <= 0 || actual.Channels > info.MaxInputChannels {
		actual.Channels = info.MaxInputChannels
	}

	sp := portaudio.HighLatencyParameters(info, nil)
	sp.Input.Channels = actual.Channels
	sp.SampleRate = float64(actual.SampleRate)
	sp.FramesPerBuffer = actual.FrameSize

	buf := make([]int16, actual.FrameSize*actual.Channels)
	s, err := portaudio.OpenStream(sp, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrHardwareStream, info.Name, err)
	}
	h.openStreams++

	return &paStream{
		host:       h,
		stream:     s,
		buf:        buf,
		params:     actual,
		onFrame:    onFrame,
		errs:       make(chan error, 1),
		readerDone: make(chan struct{}),
	}, nil
}

func (h *PortAudioHost) release() {
	h.mu.Lock()
	h.openStreams--
	h.mu.Unlock()
}

// paStream reads a blocking PortAudio stream on its own goroutine.
type paStream struct {
	host    *PortAudioHost
	stream  *portaudio.Stream
	buf     []int16
	params  StreamParams
	onFrame func([]byte)
	errs    chan error

	started    atomic.Bool
	stopping   atomic.Bool
	overflows  atomic.Uint64
	readerDone chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
}

func (s *paStream) Params() StreamParams { return s.params }
func (s *paStream) Errors() <-chan error { return s.errs }

func (s *paStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrHardwareStream, err)
	}
	s.started.Store(true)
	go s.readLoop()
	return nil
}

func (s *paStream) readLoop() {
	defer close(s.readerDone)
	for !s.stopping.Load() {
		err := s.stream.Read()
		if errors.Is(err, portaudio.InputOverflowed) {
			// The buffer is still valid; the host dropped samples before it.
			s.overflows.Add(1)
			err = nil
		}
		if err != nil {
			if !s.stopping.Load() {
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		}
		s.onFrame(Int16ToLE(make([]byte, 0, len(s.buf)*2), s.buf))
	}
}

// Stop waits for the reader to leave Read, which takes at most one buffer
// period, before stopping the PortAudio stream.
func (s *paStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.started.Load() {
			<-s.readerDone
			err = s.stream.Stop()
		}
		if n := s.overflows.Load(); n > 0 {
			paLog.Warn("input overflowed during capture", "count", n)
		}
	})
	return err
}

func (s *paStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.Stop()
		err = s.stream.Close()
		s.host.release()
	})
	return err
}
