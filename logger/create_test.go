package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConfigPrefersSingleFileOverDirectory(t *testing.T) {
	config := CreateConfig("debug", DisableTerminalLog, false, "/var/log/tunnelmesh", "/tmp/tunnelmesh.log")

	assert.Nil(t, config.ConsoleConfig)
	require.NotNil(t, config.FileConfig)
	assert.Equal(t, "tunnelmesh.log", config.FileConfig.Filename)
	assert.Nil(t, config.RollingConfig, "logfile wins over log-directory")
	assert.Equal(t, "debug", config.MinLevel)
}

func TestCreateConfigDefaultsLevel(t *testing.T) {
	config := CreateConfig("", EnableTerminalLog, false, "", "")

	require.NotNil(t, config.ConsoleConfig)
	assert.Equal(t, "info", config.MinLevel)
}

func TestCreateWithNilConfigLogsToConsole(t *testing.T) {
	log := Create(nil)
	require.NotNil(t, log)
	assert.Equal(t, zerolog.TraceLevel, log.GetLevel(), "level filtering happens in the writer, not the logger")
}
