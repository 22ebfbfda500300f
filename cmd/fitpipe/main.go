package main

import (
	"os"

	"github.com/psantana5/fitpipe/cmd/fitpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
