//go:build !windows

package privilege

import "os"

// IsElevated reports whether the effective UID is 0.
func IsElevated() bool {
	return os.Geteuid() == 0
}
