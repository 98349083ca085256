package screen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

type fakeDisplays struct {
	rects []image.Rectangle
	fail  map[int]error
}

func (d fakeDisplays) Count() int                   { return len(d.rects) }
func (d fakeDisplays) Bounds(i int) image.Rectangle { return d.rects[i] }

func (d fakeDisplays) Capture(i int) (*image.RGBA, error) {
	if err := d.fail[i]; err != nil {
		return nil, err
	}
	r := d.rects[i]
	img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

type fakeWindows struct {
	wins []Window
	err  error
}

func (w fakeWindows) Windows(context.Context) ([]Window, error) { return w.wins, w.err }

var twoScreens = fakeDisplays{rects: []image.Rectangle{
	image.Rect(0, 0, 8, 6),
	image.Rect(8, 0, 12, 4),
}}

func TestListSourcesScreensThenWindows(t *testing.T) {
	s := New(twoScreens, fakeWindows{wins: []Window{
		{ID: "0x01", Title: "Editor", PID: 42},
		{ID: "0x02", Title: ""},
	}})

	srcs, err := s.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(srcs) != 3 {
		t.Fatalf("got %d sources, want 3: %+v", len(srcs), srcs)
	}
	if srcs[0].ID != "screen:0" || srcs[0].Kind != KindScreen || srcs[0].Bounds.Width != 8 {
		t.Errorf("first source = %+v", srcs[0])
	}
	if srcs[1].Bounds.X != 8 {
		t.Errorf("second screen bounds = %+v", srcs[1].Bounds)
	}
	if srcs[2].ID != "window:0x01" || srcs[2].Kind != KindWindow || srcs[2].PID != 42 {
		t.Errorf("window source = %+v", srcs[2])
	}
}

func TestListSourcesSurvivesWindowError(t *testing.T) {
	s := New(twoScreens, fakeWindows{err: errors.New("wmctrl: not found")})
	srcs, err := s.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(srcs) != 2 {
		t.Fatalf("got %d sources, want screens only", len(srcs))
	}
}

func TestSnapshotAllProducesPNGDataURLs(t *testing.T) {
	s := New(twoScreens, nil)
	shots, err := s.SnapshotAll(context.Background())
	if err != nil {
		t.Fatalf("SnapshotAll: %v", err)
	}
	urls := DataURLs(shots)
	if len(urls) != 2 {
		t.Fatalf("got %d urls, want 2", len(urls))
	}
	for i, u := range urls {
		raw, ok := strings.CutPrefix(u, "data:image/png;base64,")
		if !ok {
			t.Fatalf("url %d has wrong prefix: %.40s", i, u)
		}
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			t.Fatalf("url %d: %v", i, err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("url %d is not a png: %v", i, err)
		}
		if img.Bounds().Dx() != twoScreens.rects[i].Dx() {
			t.Errorf("url %d width = %d", i, img.Bounds().Dx())
		}
	}
}

func TestSnapshotAllSkipsFailedDisplay(t *testing.T) {
	d := fakeDisplays{rects: twoScreens.rects, fail: map[int]error{0: errors.New("permission denied")}}
	shots, err := New(d, nil).SnapshotAll(context.Background())
	if err != nil {
		t.Fatalf("SnapshotAll: %v", err)
	}
	if len(shots) != 1 || shots[0].Display != 1 {
		t.Fatalf("shots = %+v, want display 1 only", shots)
	}
}

func TestSnapshotAllErrors(t *testing.T) {
	if _, err := New(fakeDisplays{}, nil).SnapshotAll(context.Background()); !errors.Is(err, ErrNoDisplays) {
		t.Fatalf("no displays: err = %v", err)
	}
	d := fakeDisplays{rects: twoScreens.rects[:1], fail: map[int]error{0: errors.New("boom")}}
	if _, err := New(d, nil).SnapshotAll(context.Background()); !errors.Is(err, ErrCapture) {
		t.Fatalf("all failed: err = %v", err)
	}
}
