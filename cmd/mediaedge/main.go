// Package main is the entry point for the mediaedge server.
package main

import (
	"os"

	"github.com/droppr/mediaedge/cmd/mediaedge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
