//go:build !linux && !windows && !darwin

package usage

import (
	"context"
	"errors"
)

type unsupportedProbe struct{}

// NewProbe returns a probe that always fails on unsupported platforms.
func NewProbe() Probe {
	return unsupportedProbe{}
}

func (unsupportedProbe) Foreground(context.Context) (Window, error) {
	return Window{}, errors.New("usage: foreground window query not supported on this platform")
}
