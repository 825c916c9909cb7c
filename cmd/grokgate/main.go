package main

import (
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/grokgate/grokgate/internal/cmd"
	"github.com/grokgate/grokgate/internal/server/handlers"
)

// Set via ldflags, e.g.
// go build -ldflags="-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" ./cmd/grokgate
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	handlers.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		// subcommands log their own details
		cmd.ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", err)
	}
}
