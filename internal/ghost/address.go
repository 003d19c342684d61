package ghost

import (
	"fmt"
	"net"
	"strings"
)

const (
	EnvServerHost     = "SERVER_HOST"
	EnvServerPort     = "SERVER_PORT"
	DefaultServerPort = "8765"
	DefaultServerURL  = "ws://localhost:8765"
)

// AddressSource records which input produced the resolved Mirage URL.
type AddressSource string

const (
	SourceArgument    AddressSource = "argument"
	SourceEnvironment AddressSource = "environment"
	SourceConfig      AddressSource = "config"
	SourcePrompt      AddressSource = "prompt"
	SourceDefault     AddressSource = "default"
)

// AddressInputs are the candidate sources, highest priority first.
type AddressInputs struct {
	Arg        string
	Getenv     func(string) string
	Configured string
	// Prompt asks the operator; nil skips straight to the default.
	Prompt func() (string, error)
}

// ResolveServerURL picks the Mirage URL: argument, then SERVER_HOST/SERVER_PORT,
// then the config file, then an interactive prompt, then DefaultServerURL.
func ResolveServerURL(in AddressInputs) (string, AddressSource, error) {
	if v := strings.TrimSpace(in.Arg); v != "" {
		return v, SourceArgument, nil
	}
	if in.Getenv != nil {
		if host := strings.TrimSpace(in.Getenv(EnvServerHost)); host != "" {
			port := strings.TrimSpace(in.Getenv(EnvServerPort))
			if port == "" {
				port = DefaultServerPort
			}
			return "ws://" + net.JoinHostPort(host, port), SourceEnvironment, nil
		}
	}
	if v := strings.TrimSpace(in.Configured); v != "" {
		return v, SourceConfig, nil
	}
	if in.Prompt != nil {
		v, err := in.Prompt()
		if err != nil {
			return "", "", fmt.Errorf("ghost: read server url: %w", err)
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, SourcePrompt, nil
		}
	}
	return DefaultServerURL, SourceDefault, nil
}
