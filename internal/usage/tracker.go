// Package usage accumulates foreground-window time per application and per
// browser tab title.
package usage

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

var log = logging.L("usage")

// ErrNoForeground is returned by a Probe when no window has focus.
var ErrNoForeground = errors.New("usage: no foreground window")

// Window is the raw foreground-window observation returned by a Probe.
type Window struct {
	PID   int32
	Owner string
	Title string
}

// Probe queries the platform for the focused window.
type Probe interface {
	Foreground(ctx context.Context) (Window, error)
}

// Observation is the payload of the active-app-update event.
type Observation struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	PID       int32  `json:"pid,omitempty"`
	IsBrowser bool   `json:"isBrowser"`
}

// Counters maps a key to the number of ticks it was observed in the
// foreground.
type Counters map[string]int64

// Options configure a Tracker.
type Options struct {
	Interval time.Duration
	Browsers []string
}

// Tracker owns the app and browser usage counters. Counters only grow;
// stopping the tracker keeps them.
type Tracker struct {
	probe    Probe
	emit     events.Emitter
	interval time.Duration
	browsers []string

	mu       sync.Mutex
	apps     Counters
	tabs     Counters
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

func NewTracker(probe Probe, emit events.Emitter, opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	browsers := make([]string, 0, len(opts.Browsers))
	for _, b := range opts.Browsers {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			browsers = append(browsers, b)
		}
	}
	return &Tracker{
		probe:    probe,
		emit:     emit,
		interval: opts.Interval,
		browsers: browsers,
		apps:     Counters{},
		tabs:     Counters{},
	}
}

// Start begins polling. A second Start while running does nothing.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stopChan, t.done)
	log.Info("usage tracking started", "interval", t.interval)
}

// Stop halts polling and waits for an in-flight tick to finish. It is safe
// to call when not running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	done := t.done
	t.mu.Unlock()

	<-done
	log.Info("usage tracking stopped")
}

// Running reports whether the polling loop is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// AppUsage returns a copy of the per-application counters.
func (t *Tracker) AppUsage() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.apps)
}

// BrowserUsage returns a copy of the per-title browser counters.
func (t *Tracker) BrowserUsage() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.tabs)
}

func (t *Tracker) loop(stop <-chan struct{}, done chan<- struct{}) {
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

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick records one observation and publishes the updated snapshots.
func (t *Tracker) tick(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, t.interval)
	win, err := t.probe.Foreground(probeCtx)
	cancel()

	var obs *Observation
	switch {
	case err == nil && win.Owner != "":
		o := t.classify(win)
		obs = &o
		log.Debug("foreground window", "app", o.Name, logging.KeyTitle, o.Title, "browser", o.IsBrowser)
		metrics.UsageTicksTotal.WithLabelValues("observed").Inc()
	case err == nil, errors.Is(err, ErrNoForeground):
		metrics.UsageTicksTotal.WithLabelValues("empty").Inc()
	default:
		log.Debug("foreground probe failed", logging.KeyError, err)
		metrics.UsageTicksTotal.WithLabelValues("error").Inc()
	}

	t.mu.Lock()
	if obs != nil {
		if obs.IsBrowser {
			t.tabs[obs.Title]++
		} else {
			t.apps[obs.Name]++
		}
	}
	apps := maps.Clone(t.apps)
	tabs := maps.Clone(t.tabs)
	t.mu.Unlock()

	if obs != nil {
		t.emit.Emit(events.Event{Name: events.ActiveAppUpdate, Data: *obs})
	}
	t.emit.Emit(events.Event{Name: events.AppUsageUpdate, Data: apps})
	t.emit.Emit(events.Event{Name: events.BrowserUsageUpdate, Data: tabs})
}

func (t *Tracker) classify(w Window) Observation {
	return Observation{
		Name:      w.Owner,
		Title:     w.Title,
		PID:       w.PID,
		IsBrowser: t.isBrowser(w.Owner),
	}
}

func (t *Tracker) isBrowser(owner string) bool {
	owner = strings.ToLower(owner)
	for _, b := range t.browsers {
		if strings.Contains(owner, b) {
			return true
		}
	}
	return false
}
