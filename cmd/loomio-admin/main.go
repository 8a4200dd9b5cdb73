// Package main is the entry point for the Loomio administrative commands.
package main

import "github.com/shineum/loomio-relay/internal/cli"

func main() {
	cli.Execute()
}
