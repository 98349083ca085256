//go:build darwin

package main

import (
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const darwinLabel = "com.deskcap.daemon"

// LaunchAgent rather than LaunchDaemon: capture needs the user's Aqua
// session for screen recording and microphone permissions.
const darwinPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.deskcap.daemon</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>LimitLoadToSessionType</key>
    <string>Aqua</string>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
    <key>ThrottleInterval</key>
    <integer>10</integer>
    <key>ProcessType</key>
    <string>Interactive</string>
</dict>
</plist>
`

func renderDarwinPlist(exePath, logPath string) string {
	return fmt.Sprintf(darwinPlistTemplate, html.EscapeString(exePath), html.EscapeString(logPath), html.EscapeString(logPath))
}

func darwinPaths() (plist, logFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("locate home dir: %w", err)
	}
	plist = filepath.Join(home, "Library", "LaunchAgents", darwinLabel+".plist")
	logFile = filepath.Join(home, "Library", "Logs", "deskcap", "deskcap.log")
	return plist, logFile, nil
}

func guiDomain() string {
	return "gui/" + strconv.Itoa(os.Getuid())
}

func launchctl(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the deskcap LaunchAgent",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install deskcap as a LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDesktopUser(); err != nil {
			return err
		}
		exePath, err := resolveExecutable()
		if err != nil {
			return err
		}
		plistPath, logPath, err := darwinPaths()
		if err != nil {
			return err
		}
		for _, dir := range []string{filepath.Dir(plistPath), filepath.Dir(logPath)} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(plistPath, []byte(renderDarwinPlist(exePath, logPath)), 0644); err != nil {
			return fmt.Errorf("failed to write plist: %w", err)
		}
		fmt.Printf("LaunchAgent installed to %s\n", plistPath)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Start:   deskcap service start")
		fmt.Println("  2. Grant Screen Recording and Microphone access when prompted")
		fmt.Printf("  3. Logs:    tail -f %s\n", logPath)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the deskcap LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, _, err := darwinPaths()
		if err != nil {
			return err
		}
		launchctl("bootout", guiDomain()+"/"+darwinLabel)
		os.Remove(plistPath)
		fmt.Println("deskcap LaunchAgent uninstalled.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Load and start the LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, _, err := darwinPaths()
		if err != nil {
			return err
		}
		if _, err := os.Stat(plistPath); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'deskcap service install' first")
		}
		if out, err := launchctl("bootstrap", guiDomain(), plistPath); err != nil {
			// Already loaded: kick it instead.
			if out2, err2 := launchctl("kickstart", "-k", guiDomain()+"/"+darwinLabel); err2 != nil {
				return fmt.Errorf("failed to start service: %s / %s", out, out2)
			}
		}
		fmt.Println("deskcap service started.")
		reportDaemonReady(cmd.Context())
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop and unload the LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		if out, err := launchctl("bootout", guiDomain()+"/"+darwinLabel); err != nil {
			return fmt.Errorf("failed to stop service: %s", out)
		}
		fmt.Println("deskcap service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show LaunchAgent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, _, err := darwinPaths()
		if err != nil {
			return err
		}
		if _, err := os.Stat(plistPath); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		out, err := launchctl("print", guiDomain()+"/"+darwinLabel)
		if err != nil {
			fmt.Println("Service: installed, not loaded")
			return nil
		}
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "state =") || strings.HasPrefix(line, "pid =") || strings.HasPrefix(line, "last exit code =") {
				fmt.Println(line)
			}
		}
		return nil
	},
}
