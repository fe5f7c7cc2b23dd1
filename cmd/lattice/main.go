package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - in-memory data grid node",
		Long:  "Runs a lattice grid member and provides smoke-test tooling for the invocation plane",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(
		nodeCmd(),
		invokeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lattice version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lattice %s\n", version)
		},
	}
}
