package main

import (
	"os"

	"github.com/tcfw/hypergraph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
