//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const linuxServiceName = "deskcap"

// The daemon needs the user's display and audio session, so it runs as a
// systemd user unit rather than a system service.
const linuxUnitTemplate = `[Unit]
Description=deskcap desktop capture backend
After=graphical-session.target pipewire.service pulseaudio.service
PartOf=graphical-session.target

[Service]
Type=simple
ExecStart=%s run
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

# Logging (stdout goes to journald)
StandardOutput=journal
StandardError=journal
SyslogIdentifier=deskcap

[Install]
WantedBy=graphical-session.target
`

func renderLinuxUnit(exePath string) string {
	return fmt.Sprintf(linuxUnitTemplate, exePath)
}

func linuxUnitPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "systemd", "user", linuxServiceName+".service"), nil
}

func systemctlUser(args ...string) (string, error) {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the deskcap user service (systemd --user)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install deskcap as a systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDesktopUser(); err != nil {
			return err
		}
		exePath, err := resolveExecutable()
		if err != nil {
			return err
		}
		unitPath, err := linuxUnitPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(unitPath), err)
		}
		if err := os.WriteFile(unitPath, []byte(renderLinuxUnit(exePath)), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd user unit installed to %s\n", unitPath)

		if out, err := systemctlUser("daemon-reload"); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", out)
		}
		if out, err := systemctlUser("enable", linuxServiceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", out)
		}

		fmt.Println()
		fmt.Println("deskcap user service installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Start:   deskcap service start")
		fmt.Println("  2. Status:  deskcap service status")
		fmt.Println("  3. Logs:    journalctl --user -u deskcap -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the deskcap user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := linuxUnitPath()
		if err != nil {
			return err
		}
		systemctlUser("stop", linuxServiceName)
		systemctlUser("disable", linuxServiceName)
		os.Remove(unitPath)
		systemctlUser("daemon-reload")

		fmt.Println("deskcap user service uninstalled.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deskcap user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := linuxUnitPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'deskcap service install' first")
		}
		if out, err := systemctlUser("start", linuxServiceName); err != nil {
			return fmt.Errorf("failed to start service: %s", out)
		}
		fmt.Println("deskcap service started.")
		reportDaemonReady(cmd.Context())
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the deskcap user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if out, err := systemctlUser("stop", linuxServiceName); err != nil {
			return fmt.Errorf("failed to stop service: %s", out)
		}
		fmt.Println("deskcap service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deskcap user service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := linuxUnitPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := systemctlUser("status", linuxServiceName, "--no-pager")
		fmt.Println(out)
		return nil
	},
}
