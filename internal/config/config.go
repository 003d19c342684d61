package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgectl/internal/ghost"
	"github.com/danmuck/edgectl/internal/mirage"
)

// miragectl config.toml key mapping to Mirage runtime settings.
type mirageFileConfig struct {
	Addr            string `toml:"addr"`
	WSPath          string `toml:"ws_path"`
	PingInterval    string `toml:"ping_interval"`
	WriteTimeout    string `toml:"write_timeout"`
	IdleTimeout     string `toml:"idle_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	HistoryLimit    int    `toml:"history_limit"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
}

// LoadMirageConfig overlays a miragectl config.toml onto mirage defaults. An
// empty path returns the defaults.
func LoadMirageConfig(path string) (mirage.ServiceConfig, error) {
	cfg := mirage.DefaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw mirageFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return mirage.ServiceConfig{}, fmt.Errorf("load mirage config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("history_limit") {
		if raw.HistoryLimit < 0 {
			return mirage.ServiceConfig{}, fmt.Errorf("load mirage config: history_limit must be >= 0")
		}
		cfg.HistoryLimit = raw.HistoryLimit
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ping_interval", raw.PingInterval, &cfg.Session.PingInterval},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Session.IdleTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return mirage.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	cfg.Session.TLS.Enabled = cfg.Session.TLS.CertFile != "" || cfg.Session.TLS.KeyFile != ""
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return mirage.ServiceConfig{}, fmt.Errorf("load mirage config: %w", err)
	}

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// ghostctl config.toml key mapping to Ghost runtime settings.
type ghostFileConfig struct {
	ServerURL             string   `toml:"server_url"`
	MaxConnectAttempts    int      `toml:"max_connect_attempts"`
	QueueDepth            int      `toml:"queue_depth"`
	CommandTimeout        string   `toml:"command_timeout"`
	Shell                 []string `toml:"shell"`
	WorkDir               string   `toml:"work_dir"`
	Env                   []string `toml:"env"`
	TLSCAFile             string   `toml:"tls_ca_file"`
	TLSServerName         string   `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool     `toml:"tls_insecure_skip_verify"`
}

// LoadGhostConfig overlays a ghostctl config.toml onto ghost defaults. ServerURL stays
// empty unless the file sets it so address resolution can tell the sources apart.
func LoadGhostConfig(path string) (ghost.ServiceConfig, error) {
	cfg := ghost.DefaultServiceConfig()
	cfg.ServerURL = ""
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw ghostFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ghost.ServiceConfig{}, fmt.Errorf("load ghost config: %w", err)
	}

	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}

	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}

	if meta.IsDefined("queue_depth") {
		if raw.QueueDepth < 0 {
			return ghost.ServiceConfig{}, fmt.Errorf("load ghost config: queue_depth must be >= 0")
		}
		cfg.Runtime.QueueDepth = raw.QueueDepth
	}

	if meta.IsDefined("command_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CommandTimeout))
		if err != nil {
			return ghost.ServiceConfig{}, fmt.Errorf("parse command_timeout: %w", err)
		}
		cfg.Runtime.CommandTimeout = d
	}

	if meta.IsDefined("shell") {
		cfg.Shell = normalizeShell(raw.Shell)
	}

	if meta.IsDefined("work_dir") {
		cfg.WorkDir = strings.TrimSpace(raw.WorkDir)
	}

	if meta.IsDefined("env") {
		env, err := normalizeEnv(raw.Env)
		if err != nil {
			return ghost.ServiceConfig{}, fmt.Errorf("load ghost config: %w", err)
		}
		cfg.Env = env
	}

	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}

	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}

	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}

	return cfg, nil
}

// normalizeEnv keeps KEY=VALUE entries; a missing "=" or empty key is an error.
func normalizeEnv(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		entry = strings.TrimSpace(entry)
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("env entry %q must be KEY=VALUE", entry)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func normalizeShell(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
