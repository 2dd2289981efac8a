package main

import (
	"os"

	"github.com/mizuki/agentrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
