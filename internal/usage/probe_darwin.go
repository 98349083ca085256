//go:build darwin

package usage

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const frontmostScript = `tell application "System Events"
	set p to first application process whose frontmost is true
	set t to ""
	try
		set t to name of front window of p
	end try
	return (unix id of p as text) & linefeed & (name of p) & linefeed & t
end tell`

type osascriptProbe struct{}

// NewProbe returns the foreground-window probe for this platform. Window
// titles need the Accessibility permission; without it titles are empty.
func NewProbe() Probe {
	return osascriptProbe{}
}

func (osascriptProbe) Foreground(ctx context.Context) (Window, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", frontmostScript).Output()
	if err != nil {
		return Window{}, fmt.Errorf("osascript: %w", err)
	}
	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\n", 3)
	if len(parts) < 2 {
		return Window{}, ErrNoForeground
	}
	pid, _ := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
	w := Window{PID: int32(pid), Owner: parts[1]}
	if len(parts) == 3 {
		w.Title = parts[2]
	}
	return w, nil
}
