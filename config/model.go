package config

// Root is the on-disk configuration shared by the server and client
// subcommands. Command line flags and environment variables override
// anything set here.
type Root struct {
	LogLevel     string       `yaml:"log_level,omitempty"`
	LogFile      string       `yaml:"log_file,omitempty"`
	LogDirectory string       `yaml:"log_directory,omitempty"`
	Server       ServerConfig `yaml:"server"`
	Client       ClientConfig `yaml:"client"`

	sourceFile string
}

// Source returns the path the configuration was loaded from, or an empty
// string when no file was read.
func (r *Root) Source() string {
	return r.sourceFile
}

// ServerConfig holds the ingress server settings.
type ServerConfig struct {
	ALBPort       uint `yaml:"alb_port,omitempty"`
	WebSocketPort uint `yaml:"websocket_port,omitempty"`
	// RequestTimeout is how long a forwarded request may wait for the
	// agent's response, in seconds.
	RequestTimeout uint `yaml:"request_timeout,omitempty"`
}

// ClientConfig holds the agent settings.
type ClientConfig struct {
	IngressEndpoint   string `yaml:"ingress_endpoint,omitempty"`
	LocalEndpoint     string `yaml:"local_endpoint,omitempty"`
	Host              string `yaml:"host,omitempty"`
	Port              uint16 `yaml:"port,omitempty"`
	ServiceName       string `yaml:"service_name,omitempty"`
	ClusterName       string `yaml:"cluster_name,omitempty"`
	HealthCheckPath   string `yaml:"health_check_path,omitempty"`
	SkipIAMValidation bool   `yaml:"skip_iam_validation,omitempty"`
}
