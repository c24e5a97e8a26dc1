package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dataFlag string
	rootCmd  = &cobra.Command{
		Use:          "buildctl",
		Short:        "Inspect relay room snapshots, the room store and frame journals",
		SilenceUsage: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&dataFlag, "data", "d", "./data", "relay data directory")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
