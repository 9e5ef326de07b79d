package main

import (
	"os"

	"zombiefile/cmd/zombiefile/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
