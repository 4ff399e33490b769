package main

import (
	"context"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/tunnelmesh/tunnelmesh/agent"
	"github.com/tunnelmesh/tunnelmesh/logger"
	"github.com/tunnelmesh/tunnelmesh/validation"
)

const (
	ingressEndpointFlag   = "ingress-endpoint"
	localEndpointFlag     = "local-endpoint"
	hostFlag              = "host"
	portFlag              = "port"
	serviceNameFlag       = "service-name"
	clusterNameFlag       = "cluster-name"
	healthCheckPathFlag   = "health-check-path"
	skipIAMValidationFlag = "skip-iam-validation"
)

func clientCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    ingressEndpointFlag,
			Value:   "ws://localhost:8082",
			Usage:   "Control channel endpoint of the ingress server",
			EnvVars: []string{"INGRESS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    localEndpointFlag,
			Value:   "http://localhost:3000",
			Usage:   "Base URL of the local service to expose",
			EnvVars: []string{"LOCAL_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    hostFlag,
			Value:   "localhost",
			Usage:   "Hostname the service is reachable under through the mesh",
			EnvVars: []string{"HOST"},
		},
		&cli.UintFlag{
			Name:    portFlag,
			Value:   3000,
			Usage:   "Port to advertise in the service registration",
			EnvVars: []string{"PORT"},
		},
		&cli.StringFlag{
			Name:    serviceNameFlag,
			Value:   "my-service",
			Usage:   "Service name to register",
			EnvVars: []string{"SERVICE_NAME"},
		},
		&cli.StringFlag{
			Name:    clusterNameFlag,
			Value:   "my-cluster",
			Usage:   "ECS cluster the service runs in",
			EnvVars: []string{"CLUSTER_NAME"},
		},
		&cli.StringFlag{
			Name:  healthCheckPathFlag,
			Value: "/health",
			Usage: "Path probed on the local service to report its health",
		},
		&cli.BoolFlag{
			Name:    skipIAMValidationFlag,
			Usage:   "Skip the IAM identity and ECS cluster preflight checks",
			EnvVars: []string{"SKIP_IAM_VALIDATION"},
		},
		configFileFlag(),
	}
	flags = append(flags, logFlags()...)

	return &cli.Command{
		Name:      "client",
		Usage:     "Run the agent in front of a local service",
		ArgsUsage: " ",
		Action:    clientAction,
		Flags:     flags,
	}
}

func clientAction(c *cli.Context) error {
	bootstrap := logger.Create(nil)
	root, warnings, err := loadConfig(c, bootstrap)
	if err != nil {
		return err
	}
	log := createLogger(c, root, logger.EnableTerminalLog)
	if warnings != "" {
		log.Warn().Msgf("Configuration file %s: %s", root.Source(), warnings)
	}

	clientConfig := root.Client
	ingressEndpoint, err := validation.ValidateControlEndpoint(stringSetting(c, ingressEndpointFlag, clientConfig.IngressEndpoint))
	if err != nil {
		return errors.Wrap(err, "invalid ingress endpoint")
	}
	localEndpoint, err := validation.ValidateLocalEndpoint(stringSetting(c, localEndpointFlag, clientConfig.LocalEndpoint))
	if err != nil {
		return errors.Wrap(err, "invalid local endpoint")
	}

	a := agent.New(agent.Config{
		IngressEndpoint:   ingressEndpoint,
		LocalEndpoint:     localEndpoint,
		Host:              stringSetting(c, hostFlag, clientConfig.Host),
		Port:              uint16Setting(c, portFlag, clientConfig.Port),
		ServiceName:       stringSetting(c, serviceNameFlag, clientConfig.ServiceName),
		ClusterName:       stringSetting(c, clusterNameFlag, clientConfig.ClusterName),
		HealthCheckPath:   stringSetting(c, healthCheckPathFlag, clientConfig.HealthCheckPath),
		SkipIAMValidation: boolSetting(c, skipIAMValidationFlag, clientConfig.SkipIAMValidation),
		Log:               log,
	})

	log.Info().
		Str("client_id", a.ClientID().String()).
		Msg("starting agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownC := make(chan struct{})
	go func() {
		<-shutdownC
		cancel()
	}()

	errC := make(chan error, 1)
	go func() { errC <- a.Run(ctx) }()

	err = waitForShutdown(errC, shutdownC, log)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("agent stopped")
	return nil
}
