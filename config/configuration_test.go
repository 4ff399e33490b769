package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v2"
)

func testContext(t *testing.T, configPath string) *cli.Context {
	flagSet := flag.NewFlagSet(t.Name(), flag.PanicOnError)
	flagSet.String(FileFlag, configPath, "")
	return cli.NewContext(cli.NewApp(), flagSet, nil)
}

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRootUnmarshal(t *testing.T) {
	rawYAML := `
log_level: debug
log_directory: /var/log/tunnelmesh
server:
  alb_port: 9080
  websocket_port: 9082
  request_timeout: 45
client:
  ingress_endpoint: ws://ingress.internal:8082
  local_endpoint: http://localhost:3000
  host: api.example.com
  port: 3000
  service_name: payments
  cluster_name: prod-cluster
  health_check_path: /healthz
  skip_iam_validation: true
`
	var root Root
	err := yaml.Unmarshal([]byte(rawYAML), &root)
	require.NoError(t, err)

	assert.Equal(t, "debug", root.LogLevel)
	assert.Equal(t, "/var/log/tunnelmesh", root.LogDirectory)
	assert.Equal(t, uint(9080), root.Server.ALBPort)
	assert.Equal(t, uint(9082), root.Server.WebSocketPort)
	assert.Equal(t, uint(45), root.Server.RequestTimeout)
	assert.Equal(t, "ws://ingress.internal:8082", root.Client.IngressEndpoint)
	assert.Equal(t, "http://localhost:3000", root.Client.LocalEndpoint)
	assert.Equal(t, "api.example.com", root.Client.Host)
	assert.Equal(t, uint16(3000), root.Client.Port)
	assert.Equal(t, "payments", root.Client.ServiceName)
	assert.Equal(t, "prod-cluster", root.Client.ClusterName)
	assert.Equal(t, "/healthz", root.Client.HealthCheckPath)
	assert.True(t, root.Client.SkipIAMValidation)
}

func TestReadConfigFile(t *testing.T) {
	path := writeConfig(t, `
log_level: warn
server:
  alb_port: 8085
client:
  service_name: billing
`)
	log := zerolog.Nop()

	root, warnings, err := ReadConfigFile(testContext(t, path), &log)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, path, root.Source())
	assert.Equal(t, "warn", root.LogLevel)
	assert.Equal(t, uint(8085), root.Server.ALBPort)
	assert.Equal(t, "billing", root.Client.ServiceName)
	// Untouched sections keep their zero values.
	assert.Equal(t, uint(0), root.Server.WebSocketPort)
	assert.Equal(t, "", root.Client.IngressEndpoint)
}

func TestReadConfigFileUnknownKeysWarn(t *testing.T) {
	path := writeConfig(t, `
log_level: info
resolver: 1.1.1.1
`)
	log := zerolog.Nop()

	root, warnings, err := ReadConfigFile(testContext(t, path), &log)
	require.NoError(t, err)
	assert.Equal(t, "info", root.LogLevel)
	assert.Contains(t, warnings, "resolver")
}

func TestReadConfigFileEmpty(t *testing.T) {
	path := writeConfig(t, "")
	log := zerolog.Nop()

	root, warnings, err := ReadConfigFile(testContext(t, path), &log)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "", root.LogLevel)
}

func TestReadConfigFileMalformed(t *testing.T) {
	path := writeConfig(t, "server: [not, a, mapping]")
	log := zerolog.Nop()

	_, _, err := ReadConfigFile(testContext(t, path), &log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestReadConfigFileMissing(t *testing.T) {
	log := zerolog.Nop()

	_, _, err := ReadConfigFile(testContext(t, filepath.Join(t.TempDir(), "config.yml")), &log)
	assert.Equal(t, ErrNoConfigFile, err)
}

func TestFileExists(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	ok, err := FileExists(path)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = FileExists(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultConfigSearchDirectories(t *testing.T) {
	dirs := DefaultConfigSearchDirectories()
	assert.Equal(t, "~/.tunnelmesh", dirs[0])
}
