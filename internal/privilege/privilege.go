// Package privilege detects when deskcap runs with root or administrator
// rights. Capture devices, windows and the per-user socket all belong to
// the desktop session, so an elevated daemon sees the wrong user's world.
package privilege

import "errors"

var ErrElevated = errors.New("privilege: running as root or administrator")

// CheckDesktopUser returns ErrElevated when the process is elevated.
func CheckDesktopUser() error {
	if IsElevated() {
		return ErrElevated
	}
	return nil
}
