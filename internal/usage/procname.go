package usage

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Display names for browser executables, so titles are attributed the same
// way on every platform.
var exeDisplayNames = map[string]string{
	"chrome":          "Google Chrome",
	"google-chrome":   "Google Chrome",
	"chromium":        "Chromium",
	"chromium-browse": "Chromium",
	"msedge":          "Microsoft Edge",
	"microsoft-edge":  "Microsoft Edge",
	"firefox":         "Firefox",
	"opera":           "Opera",
	"brave":           "Brave",
	"brave-browser":   "Brave",
}

// processName resolves pid to its executable name without extension.
func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(name, ".exe"), nil
}

// ownerName maps an executable name to the name shown for it, which is
// what browser matching runs against.
func ownerName(exe string) string {
	if display, ok := exeDisplayNames[strings.ToLower(exe)]; ok {
		return display
	}
	return exe
}
