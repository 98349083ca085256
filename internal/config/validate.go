package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validEncoders = map[string]bool{
	"ffmpeg": true,
	"wav":    true,
}

// ValidationResult separates problems that prevent startup from values
// that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// Validate checks the config and logs every problem as a warning. It
// returns all errors found, fatal or not.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.AllErrors() {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

// ValidateTiered checks the config for invalid values. Dangerous values that
// would break the capture pipeline are clamped to safe defaults and reported
// as warnings; values the daemon cannot run with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.SocketPath) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("socket_path must not be empty"))
	}
	for _, field := range []struct{ name, addr string }{
		{"ws_listen", c.WSListen},
		{"metrics_listen", c.MetricsListen},
	} {
		if field.addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(field.addr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %q is not a host:port address: %w", field.name, field.addr, err))
		}
	}

	if c.Capture.SampleRate < 8000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.sample_rate %d is below minimum 8000, clamping", c.Capture.SampleRate))
		c.Capture.SampleRate = 8000
	} else if c.Capture.SampleRate > 192000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.sample_rate %d exceeds maximum 192000, clamping", c.Capture.SampleRate))
		c.Capture.SampleRate = 192000
	}

	if c.Capture.FrameSize < 64 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.frame_size %d is below minimum 64, clamping", c.Capture.FrameSize))
		c.Capture.FrameSize = 64
	} else if c.Capture.FrameSize > 16384 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.frame_size %d exceeds maximum 16384, clamping", c.Capture.FrameSize))
		c.Capture.FrameSize = 16384
	}

	if c.Capture.QueueFrames < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.queue_frames %d is below minimum 1, clamping", c.Capture.QueueFrames))
		c.Capture.QueueFrames = 1
	} else if c.Capture.QueueFrames > 4096 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.queue_frames %d exceeds maximum 4096, clamping", c.Capture.QueueFrames))
		c.Capture.QueueFrames = 4096
	}

	if !validEncoders[strings.ToLower(c.Capture.Encoder)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.encoder %q is not valid (use ffmpeg or wav), using ffmpeg", c.Capture.Encoder))
		c.Capture.Encoder = "ffmpeg"
	}
	if c.Capture.Encoder == "ffmpeg" && strings.TrimSpace(c.Capture.FFmpegPath) == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.ffmpeg_path is empty, using ffmpeg from PATH"))
		c.Capture.FFmpegPath = "ffmpeg"
	}

	// A zero interval would panic time.NewTicker.
	if c.Tracking.IntervalMs < 100 {
		r.Warnings = append(r.Warnings, fmt.Errorf("tracking.interval_ms %d is below minimum 100, clamping", c.Tracking.IntervalMs))
		c.Tracking.IntervalMs = 100
	} else if c.Tracking.IntervalMs > 60000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("tracking.interval_ms %d exceeds maximum 60000, clamping", c.Tracking.IntervalMs))
		c.Tracking.IntervalMs = 60000
	}
	if len(c.Tracking.Browsers) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("tracking.browsers is empty, using defaults"))
		c.Tracking.Browsers = append([]string(nil), DefaultBrowsers...)
	}

	if c.Screenshots.MinInterval <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("screenshots.min_interval %s must be positive, using 1m", c.Screenshots.MinInterval))
		c.Screenshots.MinInterval = Default().Screenshots.MinInterval
	}
	if c.Screenshots.MaxInterval < c.Screenshots.MinInterval {
		r.Warnings = append(r.Warnings, fmt.Errorf("screenshots.max_interval %s is below min_interval %s, clamping", c.Screenshots.MaxInterval, c.Screenshots.MinInterval))
		c.Screenshots.MaxInterval = c.Screenshots.MinInterval
	}
	if c.Screenshots.Retention < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("screenshots.retention %d is negative, clamping to 0 (unlimited)", c.Screenshots.Retention))
		c.Screenshots.Retention = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.AuditMaxSizeMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audit_max_size_mb %d is below minimum 1, clamping", c.AuditMaxSizeMB))
		c.AuditMaxSizeMB = 1
	} else if c.AuditMaxSizeMB > 500 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audit_max_size_mb %d exceeds maximum 500, clamping", c.AuditMaxSizeMB))
		c.AuditMaxSizeMB = 500
	}
	if c.AuditMaxBackups < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audit_max_backups %d is below minimum 1, clamping", c.AuditMaxBackups))
		c.AuditMaxBackups = 1
	}

	if c.Workers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("workers %d is below minimum 1, clamping", c.Workers))
		c.Workers = 1
	} else if c.Workers > 64 {
		r.Warnings = append(r.Warnings, fmt.Errorf("workers %d exceeds maximum 64, clamping", c.Workers))
		c.Workers = 64
	}
	if c.QueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("queue_size %d is below minimum 1, clamping", c.QueueSize))
		c.QueueSize = 1
	} else if c.QueueSize > 10000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("queue_size %d exceeds maximum 10000, clamping", c.QueueSize))
		c.QueueSize = 10000
	}
	if c.MaxClients < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_clients %d is below minimum 1, clamping", c.MaxClients))
		c.MaxClients = 1
	}

	return r
}
