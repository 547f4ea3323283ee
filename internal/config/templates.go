package config

import (
	"fmt"
	"os"
)

func Template() string {
	return nodeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(nodeTemplate), 0o600)
}

const nodeTemplate = `name = "edgenode"

[store]
# memory | file | sqlite
backend = "file"
path = "edgenode.nv"
offset = 0
# reject | truncate
policy = "reject"

[wifi]
max_attempts = 50
poll_interval = "500ms"
portal_password = "iotconfig"
access_point_addr = "192.168.4.1"
# "0s" stays in the portal until an operator submits the form.
reconnect_interval = "0s"
idle_retry_interval = "30s"
accept_any = false

[wifi.networks]
# "HomeNetwork" = "passphrase"

[portal]
http_addr = ":80"
dns_addr = ":53"
submit_timeout = "10s"

[messaging]
# 0 follows the saved IoT port.
udp_port = 0
udp_host = ""
tcp_host = ""
tcp_port = 0
tcp_buffer_size = 4096
# none | size (int32 length prefix per packet)
tcp_framing = "none"
# false replies to the sender on the IoT port, true on its source port.
reply_to_source = false
builtins = true
tick_interval = "10ms"

[log]
level = "info"
serial = ""
baud = 115200

[metrics]
addr = ""
`
