package screen

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/logging"
)

// Archiver persists captured snapshots and returns their ids.
type Archiver interface {
	Archive(ctx context.Context, shots []Snapshot) ([]string, error)
}

// Snapshotter captures all displays.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) ([]Snapshot, error)
}

// CapturedInfo is the payload of the screenshots-captured event.
type CapturedInfo struct {
	IDs         []string  `json:"ids,omitempty"`
	Screenshots []string  `json:"screenshots"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// SchedulerOptions bound the random delay between captures.
type SchedulerOptions struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Scheduler takes snapshots of every display at random intervals while
// running.
type Scheduler struct {
	shots   Snapshotter
	archive Archiver
	emit    events.Emitter
	opts    SchedulerOptions
	delay   func() time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewScheduler creates a stopped scheduler. archive may be nil, in which
// case snapshots are only emitted.
func NewScheduler(shots Snapshotter, archive Archiver, emit events.Emitter, opts SchedulerOptions) *Scheduler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Minute
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = opts.MinInterval
	}
	s := &Scheduler{shots: shots, archive: archive, emit: emit, opts: opts}
	s.delay = s.randomDelay
	return s
}

func (s *Scheduler) randomDelay() time.Duration {
	span := int64(s.opts.MaxInterval - s.opts.MinInterval)
	if span <= 0 {
		return s.opts.MinInterval
	}
	return s.opts.MinInterval + time.Duration(rand.Int63n(span+1))
}

// Start begins the random capture loop. It does nothing when already
// running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopChan, s.done)
	log.Info("random screenshots started", "min", s.opts.MinInterval, "max", s.opts.MaxInterval)
}

// Stop cancels the pending capture and waits for an in-flight one.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	log.Info("random screenshots stopped")
}

// Running reports whether the capture loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		timer := time.NewTimer(s.delay())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.capture(ctx)
	}
}

func (s *Scheduler) capture(ctx context.Context) {
	shots, err := s.shots.SnapshotAll(ctx)
	if err != nil {
		log.Warn("scheduled screenshot failed", logging.KeyError, err)
		return
	}
	info := CapturedInfo{Screenshots: DataURLs(shots), CapturedAt: time.Now().UTC()}
	if s.archive != nil {
		ids, err := s.archive.Archive(ctx, shots)
		if err != nil {
			log.Warn("archive screenshots", logging.KeyError, err)
		}
		info.IDs = ids
	}
	s.emit.Emit(events.Event{Name: events.ScreenshotsCaptured, Data: info})
	log.Debug("scheduled screenshots captured", "count", len(shots))
}
