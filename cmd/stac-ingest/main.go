// Package main provides the entry point for the stac-ingest CLI.
package main

import (
	"fmt"
	"os"

	"github.com/itslive/stac-ingest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
