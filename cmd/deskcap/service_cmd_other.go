//go:build !linux && !darwin && !windows

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the deskcap user service",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Service management is not available on this platform.")
	},
}
