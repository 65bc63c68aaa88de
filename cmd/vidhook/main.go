package main

import (
	"os"

	"github.com/psantana5/vidhook/cmd/vidhook/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
