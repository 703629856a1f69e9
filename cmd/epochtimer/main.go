// Command epochtimer runs the EpochTimer idle-session server and offers a
// deterministic simulator for the two timer schedulers.
//
// Usage:
//
//	epochtimer serve [--config path/to/config.yaml]
//	epochtimer simulate --kind heap|wheel --timeouts 5,1,3 [--slots 60]
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const description = `EpochTimer arms an idle deadline for every WebSocket session and closes
sessions that stay silent past it. Deadlines live in a binary min-heap or a
hashed timing wheel driven by a single reactor goroutine.`

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "epochtimer"
	app.HelpName = "epochtimer"
	app.Usage = "idle-session reaper backed by a heap or timing-wheel scheduler"
	app.UsageText = "epochtimer <command> [arguments...]"
	app.Description = description
	app.Version = version
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP and WebSocket server",
			Flags:  serveFlags,
			Action: serve,
		},
		{
			Name:      "simulate",
			Aliases:   []string{"sim"},
			Usage:     "replay timeouts against a scheduler with a manual clock",
			UsageText: "epochtimer simulate --kind wheel --timeouts 5,1,3",
			Flags:     simulateFlags,
			Action:    simulate,
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "epochtimer: %v\n", err)
		os.Exit(1)
	}
}
