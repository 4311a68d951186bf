// Package main provides the chatrelay command-line client.
package main

import (
	"os"

	"github.com/chatrelay/chatrelay/cmd/chatrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
