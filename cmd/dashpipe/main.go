// Package main is the entry point for the dashpipe application.
package main

import (
	"os"

	"github.com/jmylchreest/dashpipe/cmd/dashpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
