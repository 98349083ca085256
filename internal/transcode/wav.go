package transcode

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/breeze-rmm/deskcap/internal/metrics"
)

// WAV writes PCM into a RIFF/WAVE container. The header carries the total
// data length, so output is only available after CloseInput: the file is
// built in a temp file and then streamed out in chunks.
type WAV struct {
	format Format

	mu       sync.Mutex
	file     *os.File
	enc      *wav.Encoder
	buf      *goaudio.IntBuffer
	carry    []byte
	inClosed bool
	stopped  bool

	chunks chan []byte
	done   chan struct{}
	err    error
}

// NewWAV creates a WAV encoder backed by a temp file in dir (os.TempDir
// when empty).
func NewWAV(f Format, dir string) (*WAV, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(dir, "deskcap-*.wav")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp wav: %v", ErrEncoder, err)
	}

	return &WAV{
		format: f,
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
			SourceBitDepth: 16,
		},
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}, nil
}

func (w *WAV) Name() string { return "wav" }

func (w *WAV) Write(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inClosed {
		return ErrInputClosed
	}

	// Frames may split a sample across calls.
	if len(w.carry) > 0 {
		pcm = append(w.carry, pcm...)
		w.carry = nil
	}
	if len(pcm)%2 == 1 {
		w.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	data := w.buf.Data[:0]
	for i := 0; i+1 < len(pcm); i += 2 {
		data = append(data, int(int16(binary.LittleEndian.Uint16(pcm[i:]))))
	}
	w.buf.Data = data

	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("%w: write wav samples: %v", ErrEncoder, err)
	}
	return nil
}

// CloseInput finalises the header and starts streaming the file out.
func (w *WAV) CloseInput() error {
	w.mu.Lock()
	if w.inClosed {
		w.mu.Unlock()
		return nil
	}
	w.inClosed = true
	err := w.enc.Close()
	w.mu.Unlock()

	if err != nil {
		w.finish(fmt.Errorf("%w: finalise wav: %v", ErrEncoder, err))
		return err
	}
	go w.stream()
	return nil
}

func (w *WAV) stream() {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.finish(fmt.Errorf("%w: rewind wav: %v", ErrEncoder, err))
		return
	}

	buf := make([]byte, defaultChunkSize)
	for {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			w.finish(nil)
			return
		}

		n, err := w.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.EncodedBytesTotal.WithLabelValues("wav").Add(float64(n))
			w.chunks <- chunk
		}
		if err == io.EOF {
			w.finish(nil)
			return
		}
		if err != nil {
			w.finish(fmt.Errorf("%w: read wav: %v", ErrEncoder, err))
			return
		}
	}
}

func (w *WAV) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}

	name := w.file.Name()
	w.file.Close()
	os.Remove(name)

	w.err = err
	close(w.chunks)
	close(w.done)
}

// Interrupt discards any unstreamed output.
func (w *WAV) Interrupt() {
	w.mu.Lock()
	w.stopped = true
	wasClosed := w.inClosed
	w.inClosed = true
	w.mu.Unlock()

	// Without CloseInput no stream goroutine exists to finish the run.
	if !wasClosed {
		w.finish(nil)
	}
}

func (w *WAV) Chunks() <-chan []byte { return w.chunks }
func (w *WAV) Done() <-chan struct{} { return w.done }

func (w *WAV) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
