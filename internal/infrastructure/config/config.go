package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/pkg/safego"
)

// Config is the root VM configuration: server surface, LLM providers,
// session store backend, interpreter limits, and logging.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Providers   []ProviderConfig  `mapstructure:"providers"`
	Session     SessionConfig     `mapstructure:"session"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig configures the optional HTTP/WebSocket front-end.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ProviderConfig configures one LLM provider entry for the llmprovider.Router.
// Lower Priority is tried first.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // openai (default) | anthropic | gemini
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// SessionConfig selects and configures the session.Backend.
type SessionConfig struct {
	Backend string `mapstructure:"backend"` // memory | file | sql
	Dir     string `mapstructure:"dir"`     // file backend root
	DBType  string `mapstructure:"db_type"` // sqlite | postgres, sql backend only
	DSN     string `mapstructure:"dsn"`     // sql backend only
}

// InterpreterConfig bounds a single program run.
type InterpreterConfig struct {
	DefaultModel   string        `mapstructure:"default_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxSteps       int           `mapstructure:"max_steps"`
	MaxCallDepth   int           `mapstructure:"max_call_depth"`
	SyscallTimeout time.Duration `mapstructure:"syscall_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// Load reads configuration with the same layered precedence the teacher used
// (defaults → ~/.llcraft/config.yaml → the first of ./config/config.yaml or
// ./config.yaml that exists → LLCRAFT_* env vars),
// generalized from config's original ~/.ngoclaw layering.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, dir := range []string{"./config", "."} {
		local := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(local); err != nil {
			continue
		}
		v2 := viper.New()
		v2.SetConfigFile(local)
		if err := v2.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(v2.AllSettings())
		}
		break
	}

	v.SetEnvPrefix("LLCRAFT")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8790)

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.dir", filepath.Join(HomeDir(), "sessions"))
	v.SetDefault("session.db_type", "sqlite")
	v.SetDefault("session.dsn", "llcraft.db")

	v.SetDefault("interpreter.default_model", "gpt-4o")
	v.SetDefault("interpreter.temperature", 0.2)
	v.SetDefault("interpreter.max_steps", 500)
	v.SetDefault("interpreter.max_call_depth", 64)
	v.SetDefault("interpreter.syscall_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Watcher reloads Config whenever the active config file changes on disk,
// using fsnotify directly (rather than viper.WatchConfig's bundled watcher)
// so callers observe both the global and project-local files this package
// actually layers.
type Watcher struct {
	fs *fsnotify.Watcher
}

// WatchConfigFiles watches every config.yaml path Load would have read and
// invokes onChange with a freshly reloaded Config after any write. The
// returned Watcher must be Closed by the caller when done. The watch loop
// runs under safego.Go so a panic inside onChange is logged and contained
// rather than taking down the whole process.
func WatchConfigFiles(logger *zap.Logger, onChange func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	candidates := []string{HomeDir(), "./config", "."}
	for _, dir := range candidates {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		_ = fw.Add(dir)
	}

	safego.Go(logger, "config-watch", func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				onChange(cfg, err)
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	})

	return &Watcher{fs: fw}, nil
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
