// Package main provides the entry point for the amon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/amon-ai/amon/cmd/amon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
