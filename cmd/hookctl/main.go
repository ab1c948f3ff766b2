package main

import (
	"os"

	"github.com/austindbirch/harbor_relay/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
