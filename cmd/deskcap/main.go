package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	cfgFile    string
	socketPath string
	outputFmt  string
	dialWait   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "deskcap",
	Short:         "Desktop capture backend",
	Long:          `deskcap - audio capture, usage tracking, and screen capture backend for desktop recording apps`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deskcap v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/deskcap/deskcap.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket or pipe path (overrides socket_path)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "output format: text, json, or yaml")
	rootCmd.PersistentFlags().DurationVar(&dialWait, "wait", 0, "keep retrying the daemon connection for this long")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
