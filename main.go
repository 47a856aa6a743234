package main

import (
	"os"

	"github.com/obot-platform/oauth-connections/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
