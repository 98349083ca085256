// Package service maps IPC commands onto the capture, tracking and screen
// components.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/files"
	"github.com/breeze-rmm/deskcap/internal/health"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
	"github.com/breeze-rmm/deskcap/internal/procs"
	"github.com/breeze-rmm/deskcap/internal/screen"
	"github.com/breeze-rmm/deskcap/internal/store"
	"github.com/breeze-rmm/deskcap/internal/usage"
	"github.com/breeze-rmm/deskcap/internal/workerpool"
)

var log = logging.L("service")

var (
	ErrUnknownCommand = errors.New("service: unknown command")
	ErrBadRequest     = errors.New("service: bad request")
	ErrUnavailable    = errors.New("service: component not available")
	ErrBusy           = errors.New("service: too many requests in flight")
)

// Capture is the audio capture session.
type Capture interface {
	Start(ctx context.Context, deviceID string) (string, audio.StreamParams, error)
	Stop()
	Status() audio.Status
}

// Tracker is the usage tracker.
type Tracker interface {
	Start()
	Stop()
	Running() bool
	AppUsage() usage.Counters
	BrowserUsage() usage.Counters
}

// Screens lists and snapshots capture sources.
type Screens interface {
	ListSources(ctx context.Context) ([]screen.Source, error)
	SnapshotAll(ctx context.Context) ([]screen.Snapshot, error)
}

// Scheduler takes random screenshots.
type Scheduler interface {
	Start()
	Stop()
	Running() bool
}

// Archive lists archived screenshots.
type Archive interface {
	List(ctx context.Context, limit int) ([]store.Meta, error)
}

// Dialogs shows native dialogs. Cancellation is dialog.ErrCancelled.
type Dialogs interface {
	SaveFile(ctx context.Context, suggested string) (string, error)
	ChooseSource(ctx context.Context, candidates []screen.Source) (screen.Source, error)
}

// Deps are the components a Service dispatches to. Nil components make
// their commands fail with ErrUnavailable.
type Deps struct {
	Host      audio.Host
	Capture   Capture
	Tracker   Tracker
	Screens   Screens
	Scheduler Scheduler
	Archive   Archive
	Dialogs   Dialogs
	Health    *health.Monitor
	Pool      *workerpool.Pool
	Audit     Auditor
	Version   string

	// Processes and WriteFile default to procs.List and files.Write.
	Processes func(ctx context.Context) []procs.Process
	WriteFile func(path string, data []byte) error
}

// Service dispatches commands.
type Service struct {
	Deps
	started time.Time
}

func New(deps Deps) *Service {
	if deps.Processes == nil {
		deps.Processes = procs.List
	}
	if deps.WriteFile == nil {
		deps.WriteFile = files.Write
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}
	return &Service{Deps: deps, started: time.Now()}
}

// ReplyFunc receives the result of one command. result is nil for a
// cancelled dialog.
type ReplyFunc func(result any, err error)

// Handle runs command and delivers the outcome to reply. Fast commands
// reply before Handle returns; slow ones are queued on the worker pool so
// the caller's read loop never blocks on them.
func (s *Service) Handle(ctx context.Context, command string, args json.RawMessage, reply ReplyFunc) {
	spec, ok := handlerRegistry[command]
	if !ok {
		metrics.CommandsTotal.WithLabelValues("unknown", "error").Inc()
		reply(nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command))
		return
	}

	run := func(ctx context.Context) {
		start := time.Now()
		result, err := spec.handle(s, ctx, args)
		s.observe(ctx, command, start, err)
		if err == nil {
			s.recordAudit(command, args, result)
		}
		reply(result, err)
	}

	if !spec.slow || s.Pool == nil {
		run(ctx)
		return
	}
	err := s.Pool.Submit(command, func(poolCtx context.Context) {
		// The request context ends with its connection; the pool context
		// ends with the process.
		ctx, cancel := mergeContexts(ctx, poolCtx)
		defer cancel()
		run(ctx)
	})
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(command, "rejected").Inc()
		reply(nil, fmt.Errorf("%w: %v", ErrBusy, err))
	}
}

// Call is the synchronous form of Handle.
func (s *Service) Call(ctx context.Context, command string, args json.RawMessage) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	s.Handle(ctx, command, args, func(result any, err error) {
		ch <- outcome{result, err}
	})
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) observe(ctx context.Context, command string, start time.Time, err error) {
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	metrics.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())

	l := logging.FromContext(ctx)
	if err != nil {
		l.Warn("command failed", logging.KeyCommand, command, logging.KeyError, err, logging.KeyDurationMs, elapsed.Milliseconds())
		return
	}
	l.Debug("command handled", logging.KeyCommand, command, logging.KeyDurationMs, elapsed.Milliseconds())
}

// ErrorCode maps a command error to the code sent in the response envelope.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, files.ErrFileWrite):
		return "file_write"
	case errors.Is(err, screen.ErrNoDisplays), errors.Is(err, screen.ErrCapture):
		return "screen_capture"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return audio.ErrorCode(err)
	}
}

func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 || string(args) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return v, nil
}

// mergeContexts returns a context cancelled when either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
