package main

import (
	"os"

	"github.com/x402-foundation/x402-gatekeeper/internal/cli"
	"github.com/x402-foundation/x402-gatekeeper/internal/server"
)

var version = "dev"

func main() {
	server.Version = version
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
