//go:build linux

package usage

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type xdotoolProbe struct {
	path string
}

// NewProbe returns the foreground-window probe for this platform. On Linux
// it shells out to xdotool, which requires an X11 session.
func NewProbe() Probe {
	return &xdotoolProbe{path: "xdotool"}
}

func (p *xdotoolProbe) Foreground(ctx context.Context) (Window, error) {
	out, err := exec.CommandContext(ctx, p.path, "getactivewindow", "getwindowpid", "getwindowname").Output()
	if err != nil {
		return Window{}, fmt.Errorf("xdotool: %w", err)
	}
	pidLine, title, _ := strings.Cut(strings.TrimRight(string(out), "\n"), "\n")
	pid, err := strconv.ParseInt(strings.TrimSpace(pidLine), 10, 32)
	if err != nil {
		return Window{}, ErrNoForeground
	}

	w := Window{PID: int32(pid), Title: title}
	exe, err := processName(ctx, w.PID)
	if err != nil {
		return Window{}, fmt.Errorf("resolve pid %d: %w", pid, err)
	}
	w.Owner = ownerName(exe)
	return w, nil
}
