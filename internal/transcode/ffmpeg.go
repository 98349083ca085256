package transcode

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

var log = logging.L("transcode")

const (
	defaultChunkSize = 4096
	stderrTailSize   = 4096
)

type FFmpegOptions struct {
	Path      string
	Codec     string // default libmp3lame
	Container string // default mp3
	Bitrate   string // e.g. "128k"; empty leaves the codec default
	Format    Format
	ChunkSize int
}

func (o FFmpegOptions) args() []string {
	codec := o.Codec
	if codec == "" {
		codec = "libmp3lame"
	}
	container := o.Container
	if container == "" {
		container = "mp3"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(o.Format.SampleRate),
		"-ac", strconv.Itoa(o.Format.Channels),
		"-i", "pipe:0",
		"-vn",
		"-acodec", codec,
	}
	if o.Bitrate != "" {
		args = append(args, "-b:a", o.Bitrate)
	}
	return append(args, "-f", container, "pipe:1")
}

// FFmpeg pipes PCM through an ffmpeg child process.
type FFmpeg struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	inMu     sync.Mutex
	stdin    io.WriteCloser
	inClosed bool

	chunks      chan []byte
	done        chan struct{}
	err         error
	interrupted atomic.Bool
}

// StartFFmpeg launches ffmpeg and begins reading its output.
func StartFFmpeg(opts FFmpegOptions) (*FFmpeg, error) {
	if err := opts.Format.validate(); err != nil {
		return nil, err
	}
	path := opts.Path
	if path == "" {
		path = "ffmpeg"
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	cmd := exec.Command(path, opts.args()...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrEncoder, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrEncoder, err)
	}
	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrEncoder, path, err)
	}
	log.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(opts.args(), " "))

	f := &FFmpeg{
		cmd:    cmd,
		stderr: tail,
		stdin:  stdin,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go f.readLoop(stdout, chunkSize)
	return f, nil
}

func (f *FFmpeg) Name() string { return "ffmpeg" }

func (f *FFmpeg) readLoop(stdout io.Reader, chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.EncodedBytesTotal.WithLabelValues("ffmpeg").Add(float64(n))
			f.chunks <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !f.interrupted.Load() {
				log.Warn("ffmpeg stdout read failed", "error", err)
			}
			break
		}
	}
	close(f.chunks)

	waitErr := f.cmd.Wait()
	if waitErr != nil && !f.interrupted.Load() {
		msg := strings.TrimSpace(f.stderr.String())
		if msg == "" {
			f.err = fmt.Errorf("%w: ffmpeg exited: %v", ErrEncoder, waitErr)
		} else {
			f.err = fmt.Errorf("%w: ffmpeg exited: %v: %s", ErrEncoder, waitErr, msg)
		}
	}
	close(f.done)
}

func (f *FFmpeg) Write(pcm []byte) error {
	f.inMu.Lock()
	defer f.inMu.Unlock()
	if f.inClosed {
		return ErrInputClosed
	}
	if _, err := f.stdin.Write(pcm); err != nil {
		return fmt.Errorf("%w: write pcm: %v", ErrEncoder, err)
	}
	return nil
}

func (f *FFmpeg) CloseInput() error {
	f.inMu.Lock()
	defer f.inMu.Unlock()
	if f.inClosed {
		return nil
	}
	f.inClosed = true
	return f.stdin.Close()
}

// Interrupt sends SIGTERM (Kill on Windows). The resulting exit status is
// not reported as an error.
func (f *FFmpeg) Interrupt() {
	if !f.interrupted.CompareAndSwap(false, true) {
		return
	}
	// Signal first: a Write blocked on a full pipe holds inMu until the
	// process goes away.
	if err := terminate(f.cmd); err != nil {
		log.Debug("ffmpeg terminate", "error", err)
	}
	_ = f.CloseInput()
}

func (f *FFmpeg) Chunks() <-chan []byte { return f.chunks }
func (f *FFmpeg) Done() <-chan struct{} { return f.done }

// Err is valid once Done is closed.
func (f *FFmpeg) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// LookPath reports whether the configured ffmpeg binary can be found.
func LookPath(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	return exec.LookPath(path)
}
