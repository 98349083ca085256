//go:build !linux && !windows

package screen

import "context"

type noWindows struct{}

// NewWindowLister returns a lister that reports no windows. macOS window
// enumeration needs the Screen Recording permission and is not wired.
func NewWindowLister() WindowLister {
	return noWindows{}
}

func (noWindows) Windows(context.Context) ([]Window, error) { return nil, nil }
