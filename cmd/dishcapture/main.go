// Package main provides the entry point for the dishcapture CLI.
package main

import (
	"context"
	"os"

	"github.com/raphaelgruber/dishcapture/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
