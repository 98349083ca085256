// Package mock provides an in-memory audio.Host for tests. Streams never
// touch hardware; the test pushes frames with Stream.Push.
package mock

import (
	"errors"
	"sync"

	"github.com/breeze-rmm/deskcap/internal/audio"
)

// Host is a mock implementation of audio.Host.
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device
	// DevicesError, when set, is returned by Devices.
	DevicesError error
	// OpenError, when set, is returned by OpenStream.
	OpenError error
	// MaxChannels caps the channel count of opened streams when non-zero.
	MaxChannels int

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int
	// Streams holds every stream opened, in order.
	Streams []*Stream
}

func (h *Host) Devices() ([]audio.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountDevices++
	if h.DevicesError != nil {
		return nil, h.DevicesError
	}
	out := make([]audio.Device, len(h.DevicesResult))
	copy(out, h.DevicesResult)
	return out, nil
}

func (h *Host) OpenStream(dev audio.Device, params audio.StreamParams, onFrame func([]byte)) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenError != nil {
		return nil, h.OpenError
	}
	if h.MaxChannels > 0 && params.Channels > h.MaxChannels {
		params.Channels = h.MaxChannels
	}
	s := &Stream{
		Device:  dev,
		params:  params,
		onFrame: onFrame,
		errs:    make(chan error, 1),
	}
	h.Streams = append(h.Streams, s)
	return s, nil
}

// Last returns the most recently opened stream.
func (h *Host) Last() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Streams) == 0 {
		return nil
	}
	return h.Streams[len(h.Streams)-1]
}

// Stream is a mock audio.Stream.
type Stream struct {
	Device audio.Device

	mu      sync.Mutex
	params  audio.StreamParams
	onFrame func([]byte)
	errs    chan error
	started bool
	stopped bool
	closed  bool

	// StartError, when set, is returned by Start.
	StartError error
}

var ErrNotRunning = errors.New("mock: stream not running")

func (s *Stream) Params() audio.StreamParams { return s.params }
func (s *Stream) Errors() <-chan error       { return s.errs }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.closed = true
	return nil
}

// Push delivers one frame as the hardware would. Frames pushed before Start
// or after Stop are rejected.
func (s *Stream) Push(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return ErrNotRunning
	}
	s.onFrame(pcm)
	return nil
}

// Fail reports an asynchronous hardware error.
func (s *Stream) Fail(err error) {
	s.errs <- err
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Encoder is an in-memory transcode.Encoder that passes PCM through
// unchanged, chunk per write.
type Encoder struct {
	mu       sync.Mutex
	chunks   chan []byte
	done     chan struct{}
	err      error
	inClosed bool
	ended    bool

	// WriteError, when set, is returned by Write.
	WriteError error
	// Gate, when set, makes every Write wait for a receive.
	Gate chan struct{}
	// FinishError, when set, is reported by Err after CloseInput.
	FinishError error
	// Interrupted records whether Interrupt was called.
	Interrupted bool
}

func NewEncoder() *Encoder {
	return &Encoder{
		chunks: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (e *Encoder) Name() string { return "mock" }

func (e *Encoder) Write(pcm []byte) error {
	if e.Gate != nil {
		<-e.Gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.WriteError != nil {
		return e.WriteError
	}
	if e.inClosed || e.ended {
		return errors.New("mock: input closed")
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	e.chunks <- chunk
	return nil
}

func (e *Encoder) CloseInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inClosed = true
	e.endLocked(e.FinishError)
	return nil
}

func (e *Encoder) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Interrupted = true
	e.inClosed = true
	e.endLocked(nil)
}

// Crash ends the encoder with err as if the process had died.
func (e *Encoder) Crash(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked(err)
}

func (e *Encoder) endLocked(err error) {
	if e.ended {
		return
	}
	e.ended = true
	e.err = err
	close(e.chunks)
	close(e.done)
}

func (e *Encoder) Chunks() <-chan []byte { return e.chunks }
func (e *Encoder) Done() <-chan struct{} { return e.done }

func (e *Encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
