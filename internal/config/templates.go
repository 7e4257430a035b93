package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
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

const serverTemplate = `name = "edgestream"
log_level = "info"

[server]
listen = ["tcp://0.0.0.0:7400", "quic://0.0.0.0:7401"]
http_addr = ":7480"
websocket_path = "/api/messages"
cors_origins = ["http://localhost:3000"]

[session]
max_chunk_size = 4096
max_frame_payload = 4096
max_message_bytes = 67108864
connect_timeout = "5s"
handshake_timeout = "5s"
request_timeout = "30s"
security_mode = "development"
auth_token = ""

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const clientTemplate = `name = "edgestream-client"
log_level = "info"

[client]
endpoint = "tcp://127.0.0.1:7400"
max_connect_attempts = 5

[session]
max_chunk_size = 4096
max_frame_payload = 4096
request_timeout = "30s"
security_mode = "development"
auth_token = ""

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[session.tls]
enabled = false
server_name = ""
ca_file = ""
insecure_skip_verify = false
`
