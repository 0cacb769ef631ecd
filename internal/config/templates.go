package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradebridge configuration

[broker]
# Workspace used when --workspace is not given
default_workspace = "paper"

[broker.workspaces.paper]
type = "paper"
environment = "paper"
balance = 100000.0
# data_source = "alpaca"   # workspace whose quotes drive the simulation

# [broker.workspaces.alpaca]
# type = "alpaca"
# environment = "paper"   # paper or live
# rate_limit = 3.0        # requests per second
# timeout = "15s"

# [broker.workspaces.ig]
# type = "ig"
# environment = "demo"    # demo or live

# [broker.workspaces.mt5]
# type = "metaapi"
# environment = "demo"

# [broker.workspaces.kite]
# type = "zerodha"
# environment = "live"

[consensus]
# majority, weighted, confidence_threshold, unanimous, supermajority
method = "weighted"
min_confidence = 60.0
min_agreement = 60.0
# votes below this are dropped by confidence_threshold
confidence_floor = 70.0
require_risk_reward = false
min_risk_reward = 1.5

[consensus.weights]
openai = 1.0
anthropic = 1.0
deepseek = 1.0
rules = 0.5

[orchestrator]
timeout = "30s"
retry_budget = 1
default_preset = "standard"
breaker_threshold = 3
breaker_cooldown = "2m"

[orchestrator.presets]
fast = ["deepseek", "rules"]
standard = ["openai", "deepseek", "rules"]
premium = ["openai", "anthropic", "deepseek", "rules"]

[risk]
max_position_percent = 10.0
max_concurrent_positions = 5
min_risk_reward = 1.5
min_free_margin_percent = 20.0

[stream]
poll_interval = "1s"

[log]
level = "info"
file = true

[tracing]
enabled = false
service_name = "tradebridge"

[notify]
enabled = false
level = "trades_only"   # all, trades_only, errors_only

[notify.webhook]
url = ""
timeout = "10s"

[security]
# read credentials.enc with TRADEBRIDGE_MASTER_PASSWORD
encrypt_credentials = false
`

const credentialsTemplate = `# tradebridge credentials
# WARNING: Keep this file secure! Do not commit to version control.

[alpaca]
api_key = ""
api_secret = ""

[ig]
api_key = ""
username = ""
password = ""
account_id = ""

[metaapi]
token = ""
login = ""
password = ""
server = ""
platform = "mt5"
region = "new-york"

[zerodha]
api_key = ""
api_secret = ""
access_token = ""

[openai]
api_key = ""

[anthropic]
api_key = ""

[deepseek]
api_key = ""
`

const providersTemplate = `# tradebridge AI providers
# Costs are USD per million tokens.

[openai]
enabled = true
model = "gpt-4o"
max_tokens = 1024
temperature = 0.2
input_per_million = 2.5
output_per_million = 10.0

[anthropic]
enabled = true
model = "claude-sonnet-4-5"
max_tokens = 1024
temperature = 0.2
input_per_million = 3.0
output_per_million = 15.0

[deepseek]
enabled = true
model = "deepseek-chat"
max_tokens = 1024
temperature = 0.2
input_per_million = 0.27
output_per_million = 1.1

[rules]
enabled = true
model = "indicators-v1"
`

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}
