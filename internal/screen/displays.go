package screen

import (
	"image"

	"github.com/kbinani/screenshot"
)

// SystemDisplays captures through the host's native screenshot API.
type SystemDisplays struct{}

func (SystemDisplays) Count() int                   { return screenshot.NumActiveDisplays() }
func (SystemDisplays) Bounds(i int) image.Rectangle { return screenshot.GetDisplayBounds(i) }

func (SystemDisplays) Capture(i int) (*image.RGBA, error) {
	return screenshot.CaptureDisplay(i)
}
