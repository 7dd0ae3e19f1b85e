// Package main is the entry point for the listsync CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/resultsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
