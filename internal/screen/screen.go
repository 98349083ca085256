// Package screen enumerates capturable displays and windows and takes
// still snapshots of every active display.
package screen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/breeze-rmm/deskcap/internal/logging"
)

var log = logging.L("screen")

var (
	ErrNoDisplays = errors.New("screen: no active displays")
	ErrCapture    = errors.New("screen: capture failed")
)

// Source kinds.
const (
	KindScreen = "screen"
	KindWindow = "window"
)

// Bounds is a rectangle in global desktop coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func boundsOf(r image.Rectangle) Bounds {
	return Bounds{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Source is one capturable screen or window.
type Source struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Display int     `json:"display,omitempty"`
	PID     int32   `json:"pid,omitempty"`
	Bounds  *Bounds `json:"bounds,omitempty"`
}

// Window is a top-level window reported by a WindowLister.
type Window struct {
	ID    string
	Title string
	PID   int32
}

// Displays abstracts the display capture backend.
type Displays interface {
	Count() int
	Bounds(i int) image.Rectangle
	Capture(i int) (*image.RGBA, error)
}

// WindowLister enumerates visible top-level windows.
type WindowLister interface {
	Windows(ctx context.Context) ([]Window, error)
}

// Snapshot is one PNG-encoded display capture.
type Snapshot struct {
	Display    int       `json:"display"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	PNG        []byte    `json:"-"`
	CapturedAt time.Time `json:"capturedAt"`
}

// DataURL renders the snapshot as a data:image/png URL.
func (s Snapshot) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(s.PNG)
}

// Screen captures from the host's displays.
type Screen struct {
	displays Displays
	windows  WindowLister
}

func New(displays Displays, windows WindowLister) *Screen {
	return &Screen{displays: displays, windows: windows}
}

// ListSources returns every active display followed by the visible
// top-level windows. A window listing failure is logged and yields screens
// only.
func (s *Screen) ListSources(ctx context.Context) ([]Source, error) {
	n := s.displays.Count()
	sources := make([]Source, 0, n)
	for i := 0; i < n; i++ {
		b := boundsOf(s.displays.Bounds(i))
		sources = append(sources, Source{
			ID:      fmt.Sprintf("screen:%d", i),
			Name:    fmt.Sprintf("Screen %d", i+1),
			Kind:    KindScreen,
			Display: i,
			Bounds:  &b,
		})
	}

	if s.windows == nil {
		return sources, nil
	}
	wins, err := s.windows.Windows(ctx)
	if err != nil {
		log.Warn("window enumeration failed", logging.KeyError, err)
		return sources, nil
	}
	for _, w := range wins {
		if w.Title == "" {
			continue
		}
		sources = append(sources, Source{
			ID:   "window:" + w.ID,
			Name: w.Title,
			Kind: KindWindow,
			PID:  w.PID,
		})
	}
	return sources, nil
}

// SnapshotAll captures every active display. A display that fails to
// capture is skipped; the call fails only when nothing could be captured.
func (s *Screen) SnapshotAll(ctx context.Context) ([]Snapshot, error) {
	n := s.displays.Count()
	if n == 0 {
		return nil, ErrNoDisplays
	}
	shots := make([]Snapshot, 0, n)
	var firstErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := s.displays.Capture(i)
		if err != nil {
			log.Warn("display capture failed", "display", i, logging.KeyError, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: encode display %d: %v", ErrCapture, i, err)
		}
		shots = append(shots, Snapshot{
			Display:    i,
			Width:      img.Bounds().Dx(),
			Height:     img.Bounds().Dy(),
			PNG:        buf.Bytes(),
			CapturedAt: time.Now().UTC(),
		})
	}
	if len(shots) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrCapture, firstErr)
	}
	return shots, nil
}

// DataURLs maps snapshots to their data URLs.
func DataURLs(shots []Snapshot) []string {
	out := make([]string, len(shots))
	for i, s := range shots {
		out[i] = s.DataURL()
	}
	return out
}
