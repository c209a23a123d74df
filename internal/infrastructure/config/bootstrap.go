package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "llcraft"

// HomeDir returns the VM's configuration home: ~/.llcraft
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.llcraft exists with a default config.yaml and a
// sessions directory for the file-backed session store. Safe to call
// multiple times — only creates what's missing, never overwrites an
// existing config.yaml.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{root, filepath.Join(root, "sessions")}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("llcraft home directory OK", zap.String("home", root))
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		logger.Warn("failed to write default config", zap.String("path", configPath), zap.Error(err))
		return nil
	}

	logger.Info("llcraft bootstrap complete", zap.String("home", root))
	return nil
}

const defaultConfig = `# llcraft configuration — auto-generated on first launch, edit freely.

# ─── Server ─── optional HTTP/WebSocket front-end (cmd/llcraft serve)
server:
  host: 0.0.0.0
  port: 8790

# ─── Providers ─── LLM providers tried in ascending priority order
providers: []
# providers:
#   - name: openai
#     base_url: "https://api.openai.com/v1"
#     api_key: "sk-..."
#     models: ["gpt-4o", "gpt-4o-mini"]
#     priority: 1

# ─── Session ─── where Session/PageIndex/Page state is persisted
session:
  backend: memory          # memory | file | sql
  dir: ~/.llcraft/sessions # file backend root
  db_type: sqlite          # sqlite | postgres, sql backend only
  dsn: llcraft.db

# ─── Interpreter ─── per-run limits
interpreter:
  default_model: gpt-4o
  temperature: 0.2
  max_steps: 500
  max_call_depth: 64
  syscall_timeout: 30s

# ─── Log ───
log:
  level: info     # debug | info | warn | error
  format: console # console | json
`
