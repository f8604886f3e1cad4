// Package main is the entry point for the rpz application
package main

import "github.com/ethpandaops/rpz/cmd"

func main() {
	cmd.Execute()
}
