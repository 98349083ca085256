// Package transcode turns raw s16le PCM into a compressed stream.
package transcode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEncoder     = errors.New("transcode: encoder failed")
	ErrInputClosed = errors.New("transcode: input already closed")
)

// Encoder accepts interleaved signed 16-bit little-endian PCM and produces
// encoded chunks. Every encoder ends exactly once: Done is closed after the
// Chunks channel has been closed, and Err is nil for a clean finish or an
// interrupted one.
type Encoder interface {
	Write(pcm []byte) error
	// CloseInput signals end-of-input. Remaining data is flushed to Chunks.
	CloseInput() error
	// Interrupt stops the encoder without waiting for a flush.
	Interrupt()
	Chunks() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Name() string
}

// Format describes the PCM fed to an encoder.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: invalid pcm format %d Hz x %d ch", ErrEncoder, f.SampleRate, f.Channels)
	}
	return nil
}

// Options selects and configures an encoder.
type Options struct {
	Kind       string // "ffmpeg" or "wav"
	FFmpegPath string
	Codec      string
	Container  string
	Bitrate    string
	TempDir    string
}

// Factory creates an encoder for one capture run.
type Factory func(Format) (Encoder, error)

// NewFactory returns a Factory for the configured encoder kind.
func NewFactory(opts Options) Factory {
	switch strings.ToLower(opts.Kind) {
	case "wav":
		return func(f Format) (Encoder, error) {
			return NewWAV(f, opts.TempDir)
		}
	default:
		return func(f Format) (Encoder, error) {
			return StartFFmpeg(FFmpegOptions{
				Path:      opts.FFmpegPath,
				Codec:     opts.Codec,
				Container: opts.Container,
				Bitrate:   opts.Bitrate,
				Format:    f,
			})
		}
	}
}
