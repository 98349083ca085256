//go:build !cgo

package audio

import "fmt"

// unsupportedHost is used in builds without cgo, where PortAudio is
// unavailable.
type unsupportedHost struct{}

func NewSystemHost() SystemHost {
	return unsupportedHost{}
}

func (unsupportedHost) Devices() ([]Device, error) {
	return nil, fmt.Errorf("%w: built without cgo audio support", ErrDeviceQuery)
}

func (unsupportedHost) OpenStream(Device, StreamParams, func([]byte)) (Stream, error) {
	return nil, fmt.Errorf("%w: built without cgo audio support", ErrHardwareStream)
}

func (unsupportedHost) Close() error { return nil }
