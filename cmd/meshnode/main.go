package main

import "github.com/busybox42/meshnode/cmd/meshnode/commands"

func main() {
	commands.Execute()
}
