//go:build windows

package usage

import (
	"context"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32             = windows.NewLazySystemDLL("user32.dll")
	procGetWindowTextW    = modUser32.NewProc("GetWindowTextW")
	procGetWindowTextLenW = modUser32.NewProc("GetWindowTextLengthW")
)

type user32Probe struct{}

// NewProbe returns the foreground-window probe for this platform.
func NewProbe() Probe {
	return user32Probe{}
}

func (user32Probe) Foreground(ctx context.Context) (Window, error) {
	hwnd := windows.GetForegroundWindow()
	if hwnd == 0 {
		return Window{}, ErrNoForeground
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil {
		return Window{}, err
	}

	w := Window{PID: int32(pid), Title: windowText(hwnd)}
	name, err := processName(ctx, w.PID)
	if err != nil {
		return Window{}, err
	}
	w.Owner = ownerName(name)
	return w, nil
}

func windowText(hwnd windows.HWND) string {
	n, _, _ := procGetWindowTextLenW.Call(uintptr(hwnd))
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return windows.UTF16ToString(buf)
}
