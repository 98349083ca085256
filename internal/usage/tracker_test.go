package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/deskcap/internal/events"
)

type fakeProbe struct {
	mu    sync.Mutex
	win   Window
	err   error
	calls int
}

func (p *fakeProbe) Foreground(context.Context) (Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.win, p.err
}

func (p *fakeProbe) set(w Window, err error) {
	p.mu.Lock()
	p.win, p.err = w, err
	p.mu.Unlock()
}

var defaultBrowsers = []string{"Google Chrome", "Firefox", "Microsoft Edge", "Safari", "Opera", "Brave", "Chromium"}

func newTestTracker(probe Probe) (*Tracker, *events.Recorder) {
	rec := events.NewRecorder()
	return NewTracker(probe, rec, Options{Interval: time.Second, Browsers: defaultBrowsers}), rec
}

func TestThreeTicksOnSameApp(t *testing.T) {
	probe := &fakeProbe{win: Window{PID: 10, Owner: "Notepad", Title: "notes.txt"}}
	tr, _ := newTestTracker(probe)

	for i := 0; i < 3; i++ {
		tr.tick(context.Background())
	}

	apps := tr.AppUsage()
	if len(apps) != 1 || apps["Notepad"] != 3 {
		t.Fatalf("app usage = %v, want map[Notepad:3]", apps)
	}
	if len(tr.BrowserUsage()) != 0 {
		t.Fatalf("browser usage = %v, want empty", tr.BrowserUsage())
	}
}

func TestBrowserCountsByTitle(t *testing.T) {
	probe := &fakeProbe{win: Window{Owner: "Google Chrome", Title: "Example — t"}}
	tr, rec := newTestTracker(probe)

	tr.tick(context.Background())

	if got := tr.BrowserUsage()["Example — t"]; got != 1 {
		t.Fatalf("browser usage = %v, want Example — t counted once", tr.BrowserUsage())
	}
	if len(tr.AppUsage()) != 0 {
		t.Fatalf("app usage = %v, want empty", tr.AppUsage())
	}
	obs := rec.Events()[0].Data.(Observation)
	if !obs.IsBrowser || obs.Name != "Google Chrome" {
		t.Fatalf("observation = %+v", obs)
	}
}

func TestBrowserMatchIsCaseInsensitiveSubstring(t *testing.T) {
	tr, _ := newTestTracker(&fakeProbe{})
	tests := []struct {
		owner string
		want  bool
	}{
		{"Google Chrome", true},
		{"google chrome helper", true},
		{"FIREFOX", true},
		{"Firefox Developer Edition", true},
		{"Notepad", false},
		{"Chromium", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tr.isBrowser(tt.owner); got != tt.want {
			t.Errorf("isBrowser(%q) = %v, want %v", tt.owner, got, tt.want)
		}
	}
}

func TestTickEventOrder(t *testing.T) {
	tr, rec := newTestTracker(&fakeProbe{win: Window{Owner: "Terminal"}})
	tr.tick(context.Background())

	want := []string{events.ActiveAppUpdate, events.AppUsageUpdate, events.BrowserUsageUpdate}
	got := rec.Names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if snap := rec.Events()[1].Data.(Counters); snap["Terminal"] != 1 {
		t.Fatalf("app snapshot = %v", snap)
	}
}

func TestProbeErrorIsSwallowed(t *testing.T) {
	probe := &fakeProbe{win: Window{Owner: "Notepad"}}
	tr, rec := newTestTracker(probe)
	tr.tick(context.Background())

	probe.set(Window{}, errors.New("xdotool: exit status 1"))
	tr.tick(context.Background())
	probe.set(Window{}, ErrNoForeground)
	tr.tick(context.Background())

	if got := tr.AppUsage()["Notepad"]; got != 1 {
		t.Fatalf("Notepad = %d after failed ticks, want 1", got)
	}
	names := rec.Names()
	if len(names) != 7 {
		t.Fatalf("events = %v, want 3 + 2 + 2", names)
	}
	for _, n := range names[3:] {
		if n == events.ActiveAppUpdate {
			t.Fatalf("failed tick emitted an observation: %v", names)
		}
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	tr, _ := newTestTracker(&fakeProbe{win: Window{Owner: "Notepad"}})
	tr.tick(context.Background())

	snap := tr.AppUsage()
	snap["Notepad"] = 100
	if got := tr.AppUsage()["Notepad"]; got != 1 {
		t.Fatalf("tracker counter mutated through snapshot: %d", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	probe := &fakeProbe{win: Window{Owner: "Notepad"}}
	rec := events.NewRecorder()
	tr := NewTracker(probe, rec, Options{Interval: 10 * time.Millisecond, Browsers: defaultBrowsers})

	tr.Stop()
	tr.Start()
	tr.Start()
	if !tr.Running() {
		t.Fatal("tracker should be running")
	}
	if !rec.WaitFor(events.AppUsageUpdate, 2*time.Second) {
		t.Fatal("no tick observed")
	}
	tr.Stop()
	tr.Stop()
	if tr.Running() {
		t.Fatal("tracker should be stopped")
	}

	before := tr.AppUsage()["Notepad"]
	if before == 0 {
		t.Fatal("counters should survive stop")
	}
	n := len(rec.Names())
	time.Sleep(50 * time.Millisecond)
	if len(rec.Names()) != n {
		t.Fatal("events emitted after stop")
	}

	tr.Start()
	defer tr.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for tr.AppUsage()["Notepad"] <= before {
		if time.Now().After(deadline) {
			t.Fatal("restarted tracker did not keep counting")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
