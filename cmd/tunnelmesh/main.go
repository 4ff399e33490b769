package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"

	"github.com/tunnelmesh/tunnelmesh/metrics"
)

const versionText = "Print the version"

var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	metrics.RegisterBuildInfo(BuildTime, Version)

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v", "V"},
		Usage:   versionText,
	}

	app := &cli.App{
		Name:      "tunnelmesh",
		Usage:     "ingress for services that dial out instead of listening",
		UsageText: "tunnelmesh [global options] command [command options]",
		Version:   fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Description: `tunnelmesh connects private services to a public ingress over reverse
	  tunnels. The server terminates downstream HTTP and WebSocket traffic and
	  relays it across agent control channels; the client runs next to a local
	  service, dials the server, and keeps the tunnel alive.`,
		Commands: commands(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		serverCommand(),
		clientCommand(),
		helloCommand(),
		{
			Name: "version",
			Action: func(c *cli.Context) error {
				cli.ShowVersion(c)
				return nil
			},
			Usage:       versionText,
			Description: versionText,
		},
	}
}
