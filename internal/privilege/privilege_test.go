//go:build !windows

package privilege

import (
	"errors"
	"os"
	"testing"
)

func TestCheckDesktopUserMatchesEUID(t *testing.T) {
	err := CheckDesktopUser()
	if os.Geteuid() == 0 {
		if !errors.Is(err, ErrElevated) {
			t.Fatalf("running as root, err = %v", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("unprivileged user reported elevated: %v", err)
	}
}
