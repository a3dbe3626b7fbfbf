// Package main is the entry point for the forecastplane CLI.
// The CLI is the operator terminal tool for triggering and inspecting prediction batches.
package main

import (
	"forecastplane/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
