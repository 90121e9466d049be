package main

import (
	"os"

	"github.com/alpacax/pipeline-ssh/cmd/pipeline-ssh/command"
)

func main() {
	if err := command.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
