package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyRequestID  = "requestId"
	KeyCommand    = "command"
	KeySessionID  = "sessionId"
	KeyClientID   = "clientId"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"

	// Private fields. Unless ShowPrivate(true) is set, paths are cut to
	// their base name and window titles are replaced.
	KeyPath  = "path"
	KeyTitle = "title"
)

const redactedTitle = "[redacted]"

var (
	level       = new(slog.LevelVar)
	showPrivate atomic.Bool
)

// ShowPrivate controls whether file paths and window titles are logged in
// full. Off by default: the log file outlives the data the user chose to
// keep.
func ShowPrivate(on bool) {
	showPrivate.Store(on)
}

// SetLevel changes the level of every logger without rebuilding handlers.
func SetLevel(s string) {
	level.Set(parseLevel(s))
}

func redactPrivate(_ []string, a slog.Attr) slog.Attr {
	if showPrivate.Load() {
		return a
	}
	switch a.Key {
	case KeyPath:
		if a.Value.Kind() == slog.KindString && a.Value.String() != "" {
			return slog.String(a.Key, filepath.Base(a.Value.String()))
		}
	case KeyTitle:
		return slog.String(a.Key, redactedTitle)
	}
	return a
}

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// dynamically pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *switchableState
	attrs  []slog.Attr
	groups []string
}

type switchableState struct {
	current atomic.Value // stores slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	state := &switchableState{}
	state.current.Store(h)
	return &switchableHandler{state: state}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handler)
}

func (h *switchableHandler) base() slog.Handler {
	return h.state.current.Load().(slog.Handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.base()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	groups := make([]string, len(h.groups))
	copy(groups, h.groups)

	return &switchableHandler{
		state:  h.state,
		attrs:  merged,
		groups: groups,
	}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)

	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &switchableHandler{
		state:  h.state,
		attrs:  attrs,
		groups: groups,
	}
}

var (
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stderr, handlerOptions()))
	defaultLogger = slog.New(rootHandler)
)

func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, ReplaceAttr: redactPrivate}
}

func init() {
	slog.SetDefault(defaultLogger)
}

// Init points every logger at output. format is "json" or "text";
// levelName is one of debug, info, warn, error. A nil output means stderr.
func Init(format, levelName string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	SetLevel(levelName)
	opts := handlerOptions()

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(handler)
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithRequest returns a child logger with request correlation fields attached.
func WithRequest(logger *slog.Logger, requestID, command string) *slog.Logger {
	return logger.With(
		slog.String(KeyRequestID, requestID),
		slog.String(KeyCommand, command),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
