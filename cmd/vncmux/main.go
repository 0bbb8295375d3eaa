package main

import (
	"os"

	"github.com/drksbr/vncmux/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
