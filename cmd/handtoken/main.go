package main

import (
	"os"

	"github.com/majorcontext/handtoken/cmd/handtoken/cli"
	"github.com/majorcontext/handtoken/internal/ui"
)

func main() {
	if err := cli.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}
