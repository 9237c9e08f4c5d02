package main

// ============================================================================
// renderjob entry point: builds the CLI and maps failures to exit codes.
// All command logic lives in internal/cli.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/renderjob/internal/cli"
)

var version = "dev" // set with -ldflags "-X main.version=..."

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
