package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/usage"
)

type sample struct {
	SessionID string `json:"sessionId"`
	Frames    int    `json:"frames"`
}

func TestWriteResultFormats(t *testing.T) {
	v := sample{SessionID: "s1", Frames: 3}
	text := func(w io.Writer) error {
		fmt.Fprintf(w, "Session:\t%s\n", v.SessionID)
		return nil
	}

	tests := []struct {
		format string
		want   []string
	}{
		{"json", []string{`"sessionId": "s1"`, `"frames": 3`}},
		{"yaml", []string{"sessionId: s1", "frames: 3"}},
		{"text", []string{"Session:", "s1"}},
		{"", []string{"Session:", "s1"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := writeResult(&buf, tt.format, v, text); err != nil {
			t.Fatalf("%q: %v", tt.format, err)
		}
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("%q output missing %q:\n%s", tt.format, w, buf.String())
			}
		}
	}
}

func TestWriteResultTextFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, "text", sample{SessionID: "x"}, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"sessionId": "x"`) {
		t.Errorf("got %s", buf.String())
	}
}

func TestWriteResultUnknownFormat(t *testing.T) {
	if err := writeResult(io.Discard, "xml", sample{}, nil); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestDecodeDataURL(t *testing.T) {
	data, err := decodeDataURL("data:image/png;base64,iVBORw==")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Errorf("data = %v", data)
	}
	for _, bad := range []string{"", "image/png;base64,AAAA", "data:image/png,raw"} {
		if _, err := decodeDataURL(bad); err == nil {
			t.Errorf("decodeDataURL(%q) should fail", bad)
		}
	}
}

func TestWriteCountersSortsByTicks(t *testing.T) {
	var buf bytes.Buffer
	writeCounters(&buf, "app", usage.Counters{"Notepad": 2, "Code": 5, "Alpha": 2})
	want := "app\tCode\t5\napp\tAlpha\t2\napp\tNotepad\t2\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestDirection(t *testing.T) {
	tests := []struct {
		dev  audio.Device
		want string
	}{
		{audio.Device{IsInput: true}, "input"},
		{audio.Device{IsOutput: true}, "output"},
		{audio.Device{IsInput: true, IsOutput: true}, "duplex"},
		{audio.Device{}, "-"},
	}
	for _, tt := range tests {
		if got := direction(tt.dev); got != tt.want {
			t.Errorf("direction(%+v) = %q, want %q", tt.dev, got, tt.want)
		}
	}
	if got := joinInts([]int{44100, 48000}); got != "44100,48000" {
		t.Errorf("joinInts = %q", got)
	}
}
