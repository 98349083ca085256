package audio

import "io"

// SystemHost is the platform Host plus teardown of the audio library.
type SystemHost interface {
	Host
	io.Closer
}

// candidateRates are probed against every device to build SampleRates.
var candidateRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 192000}
