// Command monitorctl is the CLI client for drivemonitord's read-only
// control-plane HTTP server.
package main

import "github.com/musepi/drivemonitord/cmd/monitorctl/commands"

func main() {
	commands.Execute()
}
