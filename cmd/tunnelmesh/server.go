package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/tunnelmesh/tunnelmesh/auth"
	"github.com/tunnelmesh/tunnelmesh/ingress"
	"github.com/tunnelmesh/tunnelmesh/logger"
)

const (
	albPortFlag        = "alb-port"
	websocketPortFlag  = "websocket-port"
	requestTimeoutFlag = "request-timeout"

	defaultRequestTimeout = 30 // seconds

	stsCallTimeout = 15 * time.Second
)

func serverCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    albPortFlag,
			Value:   ingress.DefaultALBPort,
			Usage:   "Listen port for downstream HTTP and WebSocket traffic",
			EnvVars: []string{"ALB_PORT"},
		},
		&cli.IntFlag{
			Name:    websocketPortFlag,
			Value:   ingress.DefaultWebSocketPort,
			Usage:   "Listen port for the agent control channel",
			EnvVars: []string{"WEBSOCKET_PORT"},
		},
		&cli.IntFlag{
			Name:    requestTimeoutFlag,
			Value:   defaultRequestTimeout,
			Usage:   "Seconds to wait for an agent to answer a forwarded request",
			EnvVars: []string{"REQUEST_TIMEOUT"},
		},
		configFileFlag(),
	}
	flags = append(flags, logFlags()...)

	return &cli.Command{
		Name:      "server",
		Usage:     "Run the ingress server",
		ArgsUsage: " ",
		Action:    serverAction,
		Flags:     flags,
	}
}

func serverAction(c *cli.Context) error {
	bootstrap := logger.Create(nil)
	root, warnings, err := loadConfig(c, bootstrap)
	if err != nil {
		return err
	}
	log := createLogger(c, root, logger.EnableTerminalLog)
	if warnings != "" {
		log.Warn().Msgf("Configuration file %s: %s", root.Source(), warnings)
	}

	requestTimeout := time.Duration(intSetting(c, requestTimeoutFlag, root.Server.RequestTimeout)) * time.Second
	service := ingress.New(ingress.Config{
		ALBPort:        intSetting(c, albPortFlag, root.Server.ALBPort),
		WebSocketPort:  intSetting(c, websocketPortFlag, root.Server.WebSocketPort),
		RequestTimeout: requestTimeout,
		Auth:           buildValidator(log),
		Log:            log,
	})

	shutdownC := make(chan struct{})
	errC := make(chan error, 1)
	go func() { errC <- service.ListenAndServe(shutdownC) }()

	if err := waitForShutdown(errC, shutdownC, log); err != nil {
		return err
	}
	log.Info().Msg("ingress server stopped")
	return nil
}

// buildValidator picks the agent identity validator. Skip mode is read
// from the environment, not a flag.
func buildValidator(log *zerolog.Logger) auth.Validator {
	if strings.ToLower(os.Getenv("SKIP_IAM_VALIDATION")) == "true" {
		log.Warn().Msg("IAM validation is disabled, this should only be used in development")
		return auth.NewSkipValidator(log)
	}
	client := &http.Client{Timeout: stsCallTimeout}
	return auth.NewSTSValidator(client, auth.AllowedPatternsFromEnv(), log)
}
