// Package main provides the entry point for the clawdbot memory index CLI.
package main

import (
	"os"

	"github.com/leon90dm/clawdbot/cmd/clawdbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
