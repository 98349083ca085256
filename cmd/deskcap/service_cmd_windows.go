//go:build windows

package main

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// The daemon runs in the user's session, so it is registered under the
// per-user Run key instead of the Service Control Manager, whose services
// live in session 0 without access to the desktop or audio endpoints.
const (
	runKeyPath   = `Software\Microsoft\Windows\CurrentVersion\Run`
	runValueName = "deskcap"
)

func runCommandLine(exePath string) string {
	return windows.EscapeArg(exePath) + " run"
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage deskcap autostart for the current user",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Start deskcap at logon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDesktopUser(); err != nil {
			return err
		}
		exePath, err := resolveExecutable()
		if err != nil {
			return err
		}
		k, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
		if err != nil {
			return fmt.Errorf("open Run key: %w", err)
		}
		defer k.Close()
		if err := k.SetStringValue(runValueName, runCommandLine(exePath)); err != nil {
			return fmt.Errorf("write Run value: %w", err)
		}
		fmt.Println("deskcap will start at logon.")
		fmt.Println("Start it now with: deskcap service start")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop starting deskcap at logon",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
		if err != nil {
			return fmt.Errorf("open Run key: %w", err)
		}
		defer k.Close()
		if err := k.DeleteValue(runValueName); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return fmt.Errorf("delete Run value: %w", err)
		}
		fmt.Println("deskcap autostart removed.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := resolveExecutable()
		if err != nil {
			return err
		}
		c := exec.Command(exePath, "run")
		c.SysProcAttr = &syscall.SysProcAttr{
			CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
			HideWindow:    true,
		}
		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		fmt.Printf("deskcap started (pid %d).\n", c.Process.Pid)
		reportDaemonReady(cmd.Context())
		return c.Process.Release()
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether deskcap starts at logon",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
		if err != nil {
			return fmt.Errorf("open Run key: %w", err)
		}
		defer k.Close()
		val, _, err := k.GetStringValue(runValueName)
		if errors.Is(err, registry.ErrNotExist) {
			fmt.Println("Autostart: not installed")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Autostart: %s\n", val)
		return nil
	},
}
