// Command xroverlayctl is the operator CLI for the xroverlay layer: it
// talks to the diagnostics HTTP endpoint the main-process side of the
// layer exposes.
package main

import "github.com/dcrane/xroverlay/cmd/xroverlayctl/commands"

func main() {
	commands.Execute()
}
