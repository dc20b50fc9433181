// Package main is the entry point for the gitsmith MCP server.
package main

import (
	"os"

	"github.com/gitsmith-dev/gitsmith/cmd/gitsmith/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
