package config

import (
	"fmt"
	"os"
)

// Template returns a commented starter TOML for one deployment.
func Template() string {
	return sampleTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(sampleTemplate), 0o600)
}

const sampleTemplate = `# idvlink session channel configuration
channel_url = "https://idv.example.com/v1/webhook/session"
auxiliary_app_url = "https://app.idv.example.com/auth/idv"
verify_url = "https://idv.example.com/v1/verify"
results_url = "https://idv.example.com/v1/results"
max_retries = 3

# production rejects plaintext endpoints; development accepts them with a warning
security_mode = "production"
probe_path = "/test"
channel_path_suffix = "/webhook/session"
probe_timeout = "10s"
# ca_file = "/etc/idvlink/ca.crt"

# sse | websocket
transport = "sse"
retry_base_delay = "2s"

heartbeat_interval = "10s"
heartbeat_stale_after = "30s"
heartbeat_max_missed = 3

window_poll_interval = "2s"
# window_command = ["chromium", "--app={url}"]
handoff_event = "connection"
# conn_id | sessionId
handoff_param = "conn_id"
`
