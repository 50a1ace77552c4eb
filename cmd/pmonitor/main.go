// Package main is the entry point for the pmonitor price monitor.
package main

import (
	"github.com/pmonitor/pmonitor/cmd/pmonitor/cmd"
)

func main() {
	cmd.Execute()
}
