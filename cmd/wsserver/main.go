// wsserver - typed-message WebSocket server and client
package main

import (
	"os"

	"github.com/adamrehn/websocket-server-demo/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	os.Exit(cli.Run())
}
