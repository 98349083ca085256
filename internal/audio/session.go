package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
	"github.com/breeze-rmm/deskcap/internal/transcode"
)

var log = logging.L("capture")

// State is the capture session lifecycle state.
type State int

const (
	Idle State = iota
	Opening
	Streaming
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options are the fixed capture parameters.
type Options struct {
	SampleRate  int
	FrameSize   int
	QueueFrames int
}

// StoppedInfo is the payload of the stopped event.
type StoppedInfo struct {
	Bytes         int64 `json:"bytes"`
	Frames        int64 `json:"frames"`
	FramesDropped int64 `json:"framesDropped"`
	DurationMs    int64 `json:"durationMs"`
	Cancelled     bool  `json:"cancelled,omitempty"`
}

// ErrorInfo is the payload of the error event.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Status is a snapshot for the audio-capture-status command.
type Status struct {
	State         string        `json:"state"`
	SessionID     string        `json:"sessionId,omitempty"`
	DeviceID      string        `json:"deviceId,omitempty"`
	DeviceName    string        `json:"deviceName,omitempty"`
	Params        *StreamParams `json:"params,omitempty"`
	Encoder       string        `json:"encoder,omitempty"`
	Frames        int64         `json:"frames"`
	FramesDropped int64         `json:"framesDropped"`
	Bytes         int64         `json:"bytes"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
}

// Session owns the single capture slot. At most one run is open at a time;
// each run emits started, then data, then exactly one stopped or error.
type Session struct {
	host       Host
	newEncoder transcode.Factory
	emit       events.Emitter
	opts       Options

	mu    sync.Mutex
	state State
	run   *run
}

func NewSession(host Host, newEncoder transcode.Factory, emit events.Emitter, opts Options) *Session {
	if opts.QueueFrames <= 0 {
		opts.QueueFrames = 64
	}
	return &Session{
		host:       host,
		newEncoder: newEncoder,
		emit:       emit,
		opts:       opts,
	}
}

type run struct {
	id        string
	device    Device
	params    StreamParams
	startedAt time.Time

	stream Stream
	enc    transcode.Encoder

	framesMu     sync.RWMutex
	frames       chan []byte
	framesClosed bool

	frameCount  atomic.Int64
	dropped     atomic.Int64
	bytes       atomic.Int64
	lastDropLog atomic.Int64

	stopRequested   bool // guarded by Session.mu
	cancelRequested bool // guarded by Session.mu
	cancelled     atomic.Bool

	emitMu     sync.Mutex
	terminated bool

	teardownOnce sync.Once
	done         chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the current run, if any.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state.String()}
	r := s.run
	if r == nil {
		return st
	}
	st.SessionID = r.id
	st.DeviceID = r.device.ID
	st.DeviceName = r.device.Name
	if r.params.SampleRate > 0 {
		p := r.params
		st.Params = &p
	}
	if r.enc != nil {
		st.Encoder = r.enc.Name()
	}
	st.Frames = r.frameCount.Load()
	st.FramesDropped = r.dropped.Load()
	st.Bytes = r.bytes.Load()
	started := r.startedAt
	st.StartedAt = &started
	return st
}

// Start opens deviceID and begins streaming. A Start while a run is open
// is logged and reported as ErrAlreadyCapturing without touching the run.
func (s *Session) Start(ctx context.Context, deviceID string) (string, StreamParams, error) {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		log.Info("already capturing audio", "state", state.String(), "deviceId", deviceID)
		return "", StreamParams{}, ErrAlreadyCapturing
	}
	r := &run{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		frames:    make(chan []byte, s.opts.QueueFrames),
		done:      make(chan struct{}),
	}
	s.state = Opening
	s.run = r
	s.mu.Unlock()

	rlog := log.With(logging.KeySessionID, r.id, "deviceId", deviceID)

	if err := ctx.Err(); err != nil {
		s.abortOpen(r, err)
		return "", StreamParams{}, err
	}

	devs, err := ListDevices(s.host)
	if err != nil {
		s.abortOpen(r, err)
		return "", StreamParams{}, err
	}
	dev, err := FindDevice(devs, deviceID)
	if err != nil {
		s.abortOpen(r, err)
		return "", StreamParams{}, err
	}
	s.mu.Lock()
	r.device = dev
	s.mu.Unlock()

	requested := StreamParams{
		SampleRate: s.opts.SampleRate,
		Channels:   dev.CaptureChannels(),
		FrameSize:  s.opts.FrameSize,
	}
	stream, err := s.host.OpenStream(dev, requested, r.onFrame)
	if err != nil {
		if !errors.Is(err, ErrHardwareStream) && !errors.Is(err, ErrDeviceNotFound) {
			err = fmt.Errorf("%w: %v", ErrHardwareStream, err)
		}
		s.abortOpen(r, err)
		return "", StreamParams{}, err
	}
	params := stream.Params()

	enc, err := s.newEncoder(transcode.Format{SampleRate: params.SampleRate, Channels: params.Channels})
	if err != nil {
		stream.Close()
		s.abortOpen(r, err)
		return "", StreamParams{}, err
	}

	s.mu.Lock()
	r.stream = stream
	r.params = params
	r.enc = enc
	s.state = Streaming
	stopNow := r.stopRequested
	cancelNow := r.cancelRequested
	s.mu.Unlock()

	metrics.CaptureActive.Set(1)
	s.emit.Emit(events.Event{Name: events.AudioStarted, Session: r.id, Data: r.params})
	rlog.Info("audio capture started",
		"device", dev.Name,
		"sampleRate", r.params.SampleRate,
		"channels", r.params.Channels,
		"frameSize", r.params.FrameSize,
		"encoder", enc.Name())

	go s.pump(r)
	go s.forward(r)
	go s.watch(r)

	if err := stream.Start(); err != nil {
		if !errors.Is(err, ErrHardwareStream) {
			err = fmt.Errorf("%w: %v", ErrHardwareStream, err)
		}
		s.fail(r, err)
		return r.id, r.params, err
	}

	switch {
	case cancelNow:
		s.Cancel()
	case stopNow:
		s.Stop()
	}
	return r.id, r.params, nil
}

// abortOpen ends a run that failed before started was emitted.
func (s *Session) abortOpen(r *run, err error) {
	log.Error("audio capture failed to start", logging.KeySessionID, r.id, "error", err)
	r.emitMu.Lock()
	r.terminated = true
	r.emitMu.Unlock()
	s.emit.Emit(events.Event{
		Name:    events.AudioError,
		Session: r.id,
		Data:    ErrorInfo{Message: err.Error(), Code: ErrorCode(err)},
	})
	metrics.CaptureSessionsTotal.WithLabelValues("start_failed").Inc()
	s.release(r)
}

// Stop begins an orderly shutdown of the open run. The stopped event is
// emitted once the encoder has flushed. Stop on an idle session does
// nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	switch {
	case r == nil || s.state == Idle || s.state == Draining:
		s.mu.Unlock()
		return
	case s.state == Opening:
		r.stopRequested = true
		s.mu.Unlock()
		return
	}
	s.state = Draining
	s.mu.Unlock()

	log.Info("audio capture stopping", logging.KeySessionID, r.id)
	s.teardown(r)
}

// Cancel forcefully ends the open run: the encoder is interrupted instead
// of flushed. The run still ends with a single stopped event.
func (s *Session) Cancel() {
	s.mu.Lock()
	r := s.run
	if r == nil || s.state == Idle {
		s.mu.Unlock()
		return
	}
	if s.state == Opening {
		r.cancelRequested = true
		s.mu.Unlock()
		return
	}
	s.state = Draining
	s.mu.Unlock()

	log.Info("audio capture cancelled", logging.KeySessionID, r.id)
	r.cancelled.Store(true)
	if r.enc != nil {
		r.enc.Interrupt()
	}
	s.teardown(r)
}

// Wait blocks until the current run, if any, has ended.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onFrame runs on the hardware goroutine and must not block.
func (r *run) onFrame(pcm []byte) {
	r.framesMu.RLock()
	defer r.framesMu.RUnlock()
	if r.framesClosed {
		return
	}
	r.frameCount.Add(1)
	metrics.CaptureFramesTotal.Inc()
	select {
	case r.frames <- pcm:
	default:
		n := r.dropped.Add(1)
		metrics.CaptureFramesDropped.Inc()
		now := time.Now().UnixNano()
		if last := r.lastDropLog.Load(); now-last > int64(time.Second) && r.lastDropLog.CompareAndSwap(last, now) {
			log.Warn("encoder queue full, dropping frames", logging.KeySessionID, r.id, "dropped", n)
		}
	}
}

func (r *run) closeFrames() {
	r.framesMu.Lock()
	defer r.framesMu.Unlock()
	if !r.framesClosed {
		r.framesClosed = true
		close(r.frames)
	}
}

// teardown stops the hardware stream and signals end-of-input.
func (s *Session) teardown(r *run) {
	r.teardownOnce.Do(func() {
		if r.stream != nil {
			if err := r.stream.Stop(); err != nil {
				log.Warn("stop hardware stream", logging.KeySessionID, r.id, "error", err)
			}
			if err := r.stream.Close(); err != nil {
				log.Warn("close hardware stream", logging.KeySessionID, r.id, "error", err)
			}
		}
		r.closeFrames()
	})
}

// pump moves frames from the hardware queue into the encoder.
func (s *Session) pump(r *run) {
	var writeErr error
	for pcm := range r.frames {
		if writeErr != nil {
			continue
		}
		if err := r.enc.Write(pcm); err != nil && !r.cancelled.Load() {
			writeErr = err
			go s.fail(r, err)
		}
	}
	if writeErr == nil {
		if err := r.enc.CloseInput(); err != nil {
			log.Debug("close encoder input", logging.KeySessionID, r.id, "error", err)
		}
	}
}

// forward emits encoded chunks and then the terminal event.
func (s *Session) forward(r *run) {
	for chunk := range r.enc.Chunks() {
		r.bytes.Add(int64(len(chunk)))
		r.emitMu.Lock()
		if !r.terminated {
			s.emit.Emit(events.Event{Name: events.AudioData, Session: r.id, Data: chunk})
		}
		r.emitMu.Unlock()
	}
	<-r.enc.Done()

	if err := r.enc.Err(); err != nil {
		s.fail(r, err)
		return
	}
	s.finish(r)
}

// watch turns asynchronous hardware errors into a failed run.
func (s *Session) watch(r *run) {
	select {
	case err := <-r.stream.Errors():
		if err != nil {
			s.fail(r, fmt.Errorf("%w: %v", ErrHardwareStream, err))
		}
	case <-r.done:
	}
}

func (s *Session) finish(r *run) {
	info := StoppedInfo{
		Bytes:         r.bytes.Load(),
		Frames:        r.frameCount.Load(),
		FramesDropped: r.dropped.Load(),
		DurationMs:    time.Since(r.startedAt).Milliseconds(),
		Cancelled:     r.cancelled.Load(),
	}
	if !s.terminate(r, events.Event{Name: events.AudioStopped, Session: r.id, Data: info}) {
		return
	}
	// An encoder that ends on its own still leaves the stream open.
	s.teardown(r)
	outcome := "stopped"
	if info.Cancelled {
		outcome = "cancelled"
	}
	metrics.CaptureSessionsTotal.WithLabelValues(outcome).Inc()
	log.Info("audio capture stopped", logging.KeySessionID, r.id,
		"bytes", info.Bytes, "frames", info.Frames, "dropped", info.FramesDropped, logging.KeyDurationMs, info.DurationMs)
	s.release(r)
}

// fail ends the run with an error event and no retry.
func (s *Session) fail(r *run, err error) {
	if !s.terminate(r, events.Event{
		Name:    events.AudioError,
		Session: r.id,
		Data:    ErrorInfo{Message: err.Error(), Code: ErrorCode(err)},
	}) {
		return
	}
	log.Error("audio capture failed", logging.KeySessionID, r.id, logging.KeyError, err)
	metrics.CaptureSessionsTotal.WithLabelValues("error").Inc()
	if r.enc != nil {
		r.enc.Interrupt()
	}
	s.teardown(r)
	s.release(r)
}

// terminate emits the run's terminal event. It reports false when the run
// has already ended.
func (s *Session) terminate(r *run, ev events.Event) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.terminated {
		return false
	}
	r.terminated = true
	s.emit.Emit(ev)
	return true
}

func (s *Session) release(r *run) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.state = Idle
	}
	s.mu.Unlock()
	metrics.CaptureActive.Set(0)

	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// ErrorCode maps capture errors to the machine-readable codes sent to
// clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDeviceQuery):
		return "device_query"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrHardwareStream):
		return "hardware_stream"
	case errors.Is(err, ErrAlreadyCapturing):
		return "already_capturing"
	case errors.Is(err, transcode.ErrEncoder):
		return "encoder"
	default:
		return "internal"
	}
}
