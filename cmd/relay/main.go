package main

import (
	"os"

	"github.com/relaycrm/relay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
