// Package validation normalizes the endpoint URLs the agent is configured
// with, before anything tries to dial them.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ValidateHostname normalizes a hostname to its punycode form.
func ValidateHostname(hostname string) (string, error) {
	if hostname == "" {
		return "", nil
	}
	asciiHostname, err := idna.ToASCII(hostname)
	if err != nil {
		return "", fmt.Errorf("hostname %s has invalid ASCII encoding: %s", hostname, asciiHostname)
	}
	return asciiHostname, nil
}

// ValidateControlEndpoint normalizes the ingress control channel URL.
// Bare host or host:port values get the ws scheme.
func ValidateControlEndpoint(endpoint string) (string, error) {
	return validateEndpoint(endpoint, "ws", "wss")
}

// ValidateLocalEndpoint normalizes the local service base URL. Bare host
// or host:port values get the http scheme.
func ValidateLocalEndpoint(endpoint string) (string, error) {
	return validateEndpoint(endpoint, "http", "https")
}

func validateEndpoint(endpoint, plainScheme, secureScheme string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint should not be empty")
	}

	if net.ParseIP(endpoint) != nil {
		return formatEndpoint(plainScheme, endpoint, "", ""), nil
	}
	if strings.HasPrefix(endpoint, "[") && strings.HasSuffix(endpoint, "]") {
		// net.ParseIP does not recognize [::1]
		return formatEndpoint(plainScheme, endpoint[1:len(endpoint)-1], "", ""), nil
	}
	if host, port, err := net.SplitHostPort(endpoint); err == nil && net.ParseIP(host) != nil {
		return formatEndpoint(plainScheme, host, port, ""), nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %s has invalid format", endpoint)
	}

	// In host:port form, url.Parse reads the host as the scheme.
	if !parsed.IsAbs() || parsed.Host == "" {
		host, port, err := net.SplitHostPort(endpoint)
		if err != nil {
			host, port = endpoint, ""
		}
		hostname, err := ValidateHostname(host)
		if err != nil {
			return "", fmt.Errorf("endpoint %s has invalid format", endpoint)
		}
		return formatEndpoint(plainScheme, hostname, port, ""), nil
	}

	if parsed.Scheme != plainScheme && parsed.Scheme != secureScheme {
		return "", fmt.Errorf("endpoint scheme %s is not supported, use %s or %s", parsed.Scheme, plainScheme, secureScheme)
	}
	if net.ParseIP(parsed.Hostname()) != nil {
		return formatEndpoint(parsed.Scheme, parsed.Hostname(), parsed.Port(), parsed.Path), nil
	}
	hostname, err := ValidateHostname(parsed.Hostname())
	if err != nil {
		return "", fmt.Errorf("endpoint %s has invalid format", endpoint)
	}
	return formatEndpoint(parsed.Scheme, hostname, parsed.Port(), parsed.Path), nil
}

func formatEndpoint(scheme, host, port, path string) string {
	if port != "" {
		return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, port), path)
	}
	if strings.Contains(host, ":") {
		// IPv6 literal
		return fmt.Sprintf("%s://[%s]%s", scheme, host, path)
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}
