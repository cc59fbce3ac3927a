package main

import (
	"os"

	"github.com/danielsht11/riley/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
