// Package main is the entry point for the MCP Ambassador.
package main

import (
	"os"

	"github.com/mcp-ambassador/ambassador/cmd/amb/app"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
