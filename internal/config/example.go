package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const exampleConfig = `# agent-relay configuration
#
# Secrets are best kept in ~/.agent-relay/.env:
#   TELEGRAM_BOT_TOKEN=123456:ABC...
#   AGENT_RELAY_ALLOWED_USERS=11111111,22222222

[telegram]
# allowed_users = [11111111]

[sessions]
command = "claude"
# args = ["--model", "sonnet"]
# env = ["FOO=bar"]
# default_dir = "~/src"
max_per_user = 3
rows = 50
cols = 120

[poll]
interval_ms = 300

[stream]
debounce_ms = 500
min_edit_interval_ms = 1000
finalize_wait_ms = 3000
max_chars = 2000
max_transcript_lines = 5000
retry_attempts = 3
retry_backoff_ms = 250

[process]
submit_delay_ms = 150
chunk_size = 4096
chunk_delay_ms = 50
terminate_grace_ms = 2000

# Screen recognition. Lists under [patterns.override] replace the built-in
# list; lists under [patterns.extra] are added to it. Entries prefixed with
# "re:" are regular expressions, anything else is a substring.
[patterns.override]
# prompt_glyphs = ["❯", ">"]

[patterns.extra]
# thinking_words = ["Pondering"]
# busy = ["re:\\d+s · esc to interrupt"]

[logs]
# dir = "~/.agent-relay"
level = "info"
format = "json"
max_size_mb = 10
max_backups = 5
max_age_days = 10

[state]
# path = "~/.agent-relay/state.db"
event_retention_days = 30
`

// ErrExists is returned by CreateExample when the file is already there.
var ErrExists = errors.New("config file already exists")

// CreateExample writes a commented example config to path unless a file
// exists.
func CreateExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeAtomic(path, []byte(exampleConfig))
}
