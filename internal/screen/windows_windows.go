//go:build windows

package screen

import (
	"context"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32             = windows.NewLazySystemDLL("user32.dll")
	procIsWindowVisible   = modUser32.NewProc("IsWindowVisible")
	procGetWindowTextW    = modUser32.NewProc("GetWindowTextW")
	procGetWindowTextLenW = modUser32.NewProc("GetWindowTextLengthW")
)

type user32Lister struct{}

// NewWindowLister returns the platform window lister.
func NewWindowLister() WindowLister {
	return user32Lister{}
}

func (user32Lister) Windows(ctx context.Context) ([]Window, error) {
	var wins []Window
	cb := syscall.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		if visible, _, _ := procIsWindowVisible.Call(uintptr(hwnd)); visible == 0 {
			return 1
		}
		title := windowText(hwnd)
		if title == "" {
			return 1
		}
		var pid uint32
		windows.GetWindowThreadProcessId(hwnd, &pid)
		wins = append(wins, Window{
			ID:    fmt.Sprintf("%#x", uintptr(hwnd)),
			Title: title,
			PID:   int32(pid),
		})
		return 1
	})
	if err := windows.EnumWindows(cb, nil); err != nil {
		return nil, fmt.Errorf("EnumWindows: %w", err)
	}
	return wins, ctx.Err()
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
