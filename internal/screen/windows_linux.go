//go:build linux

package screen

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type wmctrlLister struct{}

// NewWindowLister returns the platform window lister. On Linux it needs
// wmctrl and an EWMH-compliant window manager.
func NewWindowLister() WindowLister {
	return wmctrlLister{}
}

func (wmctrlLister) Windows(ctx context.Context) ([]Window, error) {
	out, err := exec.CommandContext(ctx, "wmctrl", "-lp").Output()
	if err != nil {
		return nil, fmt.Errorf("wmctrl: %w", err)
	}
	return parseWmctrl(out), nil
}

// parseWmctrl parses `wmctrl -lp` output: id, desktop, pid, host, title.
func parseWmctrl(out []byte) []Window {
	var wins []Window
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// Desktop -1 marks sticky panels and docks.
		if fields[1] == "-1" {
			continue
		}
		pid, _ := strconv.ParseInt(fields[2], 10, 32)
		wins = append(wins, Window{
			ID:    fields[0],
			PID:   int32(pid),
			Title: wmctrlTitle(line),
		})
	}
	return wins
}

// wmctrlTitle returns the raw text after the fourth column of a wmctrl line.
func wmctrlTitle(line string) string {
	rest := line
	for n := 0; n < 4; n++ {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	return strings.TrimLeft(rest, " \t")
}
