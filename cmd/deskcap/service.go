package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/deskcap/internal/client"
	"github.com/breeze-rmm/deskcap/internal/privilege"
)

const serviceReadyTimeout = 10 * time.Second

// resolveExecutable returns the absolute, symlink-free path of the running
// binary, which service definitions point at.
func resolveExecutable() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to determine executable path: %w", err)
	}
	exePath, err = filepath.EvalSymlinks(exePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return exePath, nil
}

// requireDesktopUser refuses to install the per-user service from an
// elevated shell, where it would land in root's or the admin's profile.
func requireDesktopUser() error {
	if err := privilege.CheckDesktopUser(); err != nil {
		if errors.Is(err, privilege.ErrElevated) {
			return fmt.Errorf("install as the desktop user, not from an elevated shell")
		}
		return err
	}
	return nil
}

// reportDaemonReady waits for a freshly started daemon to accept a client
// and prints its version.
func reportDaemonReady(ctx context.Context) {
	cfg, err := loadConfig()
	if err != nil {
		return
	}
	c, err := dialDaemon(ctx, client.Options{SocketPath: cfg.SocketPath, Name: "deskcap-service"}, serviceReadyTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: daemon not answering on %s: %v\n", cfg.SocketPath, err)
		return
	}
	defer c.Close()
	fmt.Printf("Daemon v%s is accepting clients on %s\n", c.DaemonVersion(), cfg.SocketPath)
}
