// Package main is the single-binary entrypoint for the nudge daemon.
package main

import "github.com/tutu-network/nudge/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
