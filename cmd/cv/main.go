package main

import (
	"os"

	"coldvault/cmd/cv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
