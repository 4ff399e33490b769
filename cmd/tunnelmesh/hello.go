package main

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/tunnelmesh/tunnelmesh/hello"
	"github.com/tunnelmesh/tunnelmesh/logger"
)

func helloCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Value: 3000,
			Usage: "Listen port for the test origin",
		},
	}
	flags = append(flags, logFlags()...)

	return &cli.Command{
		Name:      "hello",
		Usage:     "Run a local test origin",
		ArgsUsage: " ",
		Action:    helloAction,
		Flags:     flags,
		Hidden:    true,
	}
}

func helloAction(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Int("port")))
	if err != nil {
		return errors.Wrap(err, "listen for hello server")
	}
	defer listener.Close()

	shutdownC := make(chan struct{})
	errC := make(chan error, 1)
	go func() { errC <- hello.StartHelloWorldServer(log, listener, shutdownC) }()

	return waitForShutdown(errC, shutdownC, log)
}
