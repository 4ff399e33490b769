package main

import (
	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/tunnelmesh/tunnelmesh/config"
	"github.com/tunnelmesh/tunnelmesh/logger"
)

// Settings resolve in flag, environment, config file, flag default order.
// urfave/cli reports flags set through EnvVars as IsSet, so the helpers
// only need to distinguish "user said something" from "file said something".

func stringSetting(c *cli.Context, name, fileValue string) string {
	if !c.IsSet(name) && fileValue != "" {
		return fileValue
	}
	return c.String(name)
}

func intSetting(c *cli.Context, name string, fileValue uint) int {
	if !c.IsSet(name) && fileValue != 0 {
		return int(fileValue)
	}
	return c.Int(name)
}

func uint16Setting(c *cli.Context, name string, fileValue uint16) uint16 {
	if !c.IsSet(name) && fileValue != 0 {
		return fileValue
	}
	return uint16(c.Uint(name))
}

func boolSetting(c *cli.Context, name string, fileValue bool) bool {
	if !c.IsSet(name) && fileValue {
		return true
	}
	return c.Bool(name)
}

func configFileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    config.FileFlag,
		Usage:   "Path to a YAML configuration file. Flags and environment variables override its values.",
		EnvVars: []string{"TUNNELMESH_CONFIG"},
	}
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Value: "info",
			Usage: "Application logging level {debug, info, warn, error, fatal}",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Save application log to this file. Incompatible with " + logger.LogDirectoryFlag + ".",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Save application log to this directory with rotation.",
		},
		&cli.StringFlag{
			Name:  logger.LogFormatFlag,
			Usage: "Console log format {console, json}",
		},
	}
}

// loadConfig reads the optional YAML configuration file. A missing file is
// not an error; everything then comes from flags and the environment.
func loadConfig(c *cli.Context, log *zerolog.Logger) (*config.Root, string, error) {
	root, warnings, err := config.ReadConfigFile(c, log)
	if err != nil {
		if err == config.ErrNoConfigFile {
			return &config.Root{}, "", nil
		}
		return nil, "", err
	}
	return root, warnings, nil
}

// createLogger builds the process logger from the merged flag and config
// file settings.
func createLogger(c *cli.Context, root *config.Root, disableTerminal bool) *zerolog.Logger {
	logLevel := stringSetting(c, logger.LogLevelFlag, root.LogLevel)
	logFile := stringSetting(c, logger.LogFileFlag, root.LogFile)
	logDirectory := stringSetting(c, logger.LogDirectoryFlag, root.LogDirectory)
	formatJSON := c.String(logger.LogFormatFlag) == "json"

	loggerConfig := logger.CreateConfig(
		logLevel,
		disableTerminal,
		formatJSON,
		logDirectory,
		logFile,
	)

	log := logger.Create(loggerConfig)
	if incompatibleSet := logFile != "" && logDirectory != ""; incompatibleSet {
		log.Error().Msgf("Your config includes values for both %s (%s) and %s (%s), but they are incompatible. %s takes precedence.", logger.LogFileFlag, logFile, logger.LogDirectoryFlag, logDirectory, logger.LogFileFlag)
	}
	return log
}
