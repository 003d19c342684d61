package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the commented config.toml for kind "mirage" or "ghost".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mirage":
		return mirageTemplate, nil
	case "ghost":
		return ghostTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path with the loader for kind.
func Validate(kind, path string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mirage":
		_, err := LoadMirageConfig(path)
		return err
	case "ghost":
		_, err := LoadGhostConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const mirageTemplate = `# miragectl config
addr = "0.0.0.0:8765"
ws_path = "/ws"
ping_interval = "20s"
write_timeout = "10s"
idle_timeout = "60s"
shutdown_timeout = "5s"
history_limit = 100
# tls_cert_file = "/etc/edgectl/mirage.crt"
# tls_key_file = "/etc/edgectl/mirage.key"
`

const ghostTemplate = `# ghostctl config
# The positional server URL and SERVER_HOST/SERVER_PORT take precedence over server_url.
server_url = "ws://127.0.0.1:8765/ws"
max_connect_attempts = 5
queue_depth = 16
command_timeout = "5m"
shell = ["/bin/sh", "-c"]
# work_dir = "/srv"
# env = ["LANG=C.UTF-8"]
# tls_ca_file = "/etc/edgectl/ca.crt"
# tls_server_name = "mirage.lan"
# tls_insecure_skip_verify = false
`
