// Package config locates and parses the optional YAML configuration file.
// Values from the file act as defaults; flags and environment variables
// always win.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v2"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read configuration.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	// DefaultUnixConfigLocation is the primary system-wide location of a config file.
	DefaultUnixConfigLocation = "/etc/tunnelmesh"

	defaultUserConfigDirs = []string{"~/.tunnelmesh"}
	defaultNixConfigDirs  = []string{DefaultUnixConfigLocation}

	ErrNoConfigFile = fmt.Errorf("cannot determine default configuration path, no file %v in %v", DefaultConfigFiles, DefaultConfigSearchDirectories())
)

// FileFlag is the flag naming an explicit configuration file.
const FileFlag = "config"

// DefaultConfigSearchDirectories returns the default folder locations of the config.
func DefaultConfigSearchDirectories() []string {
	dirs := make([]string, len(defaultUserConfigDirs))
	copy(dirs, defaultUserConfigDirs)
	if runtime.GOOS != "windows" {
		dirs = append(dirs, defaultNixConfigDirs...)
	}
	return dirs
}

// FileExists checks to see if a file exist at the provided path.
func FileExists(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// ignore missing files
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}

// FindDefaultConfigPath returns the first path that contains a config file.
// If none of the combination of DefaultConfigSearchDirectories() and
// DefaultConfigFiles contains a config file, return empty string.
func FindDefaultConfigPath() string {
	for _, configDir := range DefaultConfigSearchDirectories() {
		for _, configFile := range DefaultConfigFiles {
			dirPath, err := homedir.Expand(configDir)
			if err != nil {
				continue
			}
			path := filepath.Join(dirPath, configFile)
			if ok, _ := FileExists(path); ok {
				return path
			}
		}
	}
	return ""
}

// ReadConfigFile loads the configuration named by the --config flag, falling
// back to the default search path. A missing file yields ErrNoConfigFile so
// callers can treat it as "run on flag defaults". The warnings string carries
// unknown-key complaints from a strict reparse.
func ReadConfigFile(c *cli.Context, log *zerolog.Logger) (root *Root, warnings string, err error) {
	configFile := c.String(FileFlag)
	if configFile == "" {
		configFile = FindDefaultConfigPath()
	}
	if configFile == "" {
		return nil, "", ErrNoConfigFile
	}

	log.Debug().Msgf("Loading configuration from %s", configFile)
	file, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNoConfigFile
		}
		return nil, "", err
	}
	defer file.Close()

	root = new(Root)
	if err := yaml.NewDecoder(file).Decode(root); err != nil {
		if err == io.EOF {
			log.Error().Msgf("Configuration file %s was empty", configFile)
			return root, "", nil
		}
		return nil, "", errors.Wrap(err, "error parsing YAML in config file at "+configFile)
	}
	root.sourceFile = configFile

	// Parse it again, with strict mode, to find warnings.
	if file, err := os.Open(configFile); err == nil {
		decoder := yaml.NewDecoder(file)
		decoder.SetStrict(true)
		var unusedConfig Root
		if err := decoder.Decode(&unusedConfig); err != nil {
			warnings = err.Error()
		}
		_ = file.Close()
	}

	return root, warnings, nil
}
