package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/internal/agent"
	"github.com/llcraft/llcraft/internal/infrastructure/config"
	"github.com/llcraft/llcraft/internal/infrastructure/logger"
	httpapi "github.com/llcraft/llcraft/internal/interfaces/http"
	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/opcode"
)

const (
	cliName    = "llcraft"
	cliVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "llcraft — an LLM-driven virtual machine",
		Long:  "llcraft runs an LLM-generated opcode program through a fetch/decode/execute interpreter, suspending on cognitive opcodes to consult the LLM and on syscalls to touch the outside world.",
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newProgramCmd(),
		newSessionsCmd(),
		newSchemaCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	}
}

// newRunCmd implements `llcraft run <task>`: generate_program then drive it
// to completion, optionally resuming a named session.
func newRunCmd() *cobra.Command {
	var sessionID string
	var maxSteps int

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "ask the LLM to generate and execute a program for task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := buildClient(cfg, log)
			if err != nil {
				return err
			}
			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			agentCfg := agent.DefaultConfig()
			agentCfg.Model = cfg.Interpreter.DefaultModel
			agentCfg.Temperature = cfg.Interpreter.Temperature
			if maxSteps > 0 {
				agentCfg.MaxSteps = maxSteps
			} else if cfg.Interpreter.MaxSteps > 0 {
				agentCfg.MaxSteps = cfg.Interpreter.MaxSteps
			}

			a := agent.New(client, agentCfg, agent.WithLogger(log))
			a, err = a.WithSession(ctx, backend, sessionID)
			if err != nil {
				return fmt.Errorf("attach session: %w", err)
			}

			res, err := a.Run(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("session: %s\n", res.SessionID)
			fmt.Printf("result:  %v\n", res.Value)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to resume or create (empty = new)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the interpreter step limit")
	return cmd
}

// newProgramCmd implements `llcraft program <file.json>`: execute a
// hand-written program directly, skipping generate_program, per spec.md §6's
// offline/scripted invocation mode.
func newProgramCmd() *cobra.Command {
	var maxSteps int

	cmd := &cobra.Command{
		Use:   "program <file.json>",
		Short: "run a program JSON file directly against the interpreter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read program: %w", err)
			}
			program, err := opcode.ParseProgram(data)
			if err != nil {
				return fmt.Errorf("parse program: %w", err)
			}

			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := buildClient(cfg, log)
			if err != nil {
				return err
			}

			agentCfg := agent.DefaultConfig()
			agentCfg.Model = cfg.Interpreter.DefaultModel
			agentCfg.Temperature = cfg.Interpreter.Temperature
			if maxSteps > 0 {
				agentCfg.MaxSteps = maxSteps
			}

			a := agent.New(client, agentCfg, agent.WithLogger(log))
			res, err := a.RunProgram(ctx, program)
			if err != nil {
				return err
			}

			fmt.Printf("result: %v\n", res.Value)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the interpreter step limit")
	return cmd
}

// newSessionsCmd implements `llcraft sessions`: list persisted sessions.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "list persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()

			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			ids, err := backend.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(ids)
			for _, id := range ids {
				sess, err := backend.LoadSession(cmd.Context(), id)
				if err != nil {
					fmt.Printf("%s  (unreadable: %v)\n", id, err)
					continue
				}
				fmt.Printf("%-24s  task=%-40q  steps=%d  pages=%d\n",
					id, sess.Metadata.Task, sess.Metadata.TotalSteps, len(sess.PageIndex))
			}
			return nil
		},
	}
}

// newSchemaCmd implements `llcraft schema`: print the opcode schema sent to
// the LLM as the system prompt, pretty-printed as markdown via glamour.
func newSchemaCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "print the VM opcode schema used as the LLM system prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := opcode.NewSchema()
			md := s.ToPrompt()

			if raw || !isTerminal() {
				fmt.Println(md)
				return nil
			}

			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				fmt.Println(md)
				return nil
			}
			out, err := r.Render(md)
			if err != nil {
				fmt.Println(md)
				return nil
			}
			title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D7FF")).Render(fmt.Sprintf("llcraft schema v%s", s.Version))
			fmt.Println(title)
			fmt.Println(strings.TrimSpace(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print unformatted markdown")
	return cmd
}

// newServeCmd implements `llcraft serve`: expose the orchestrator over
// POST /v1/run, GET /v1/sessions(/:id), GET /v1/schema, and an optional
// progress-stream websocket, per spec.md §6's HTTP front-end.
func newServeCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "expose the orchestrator over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()

			client, err := buildClient(cfg, log)
			if err != nil {
				return err
			}
			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			agentCfg := agent.DefaultConfig()
			agentCfg.Model = cfg.Interpreter.DefaultModel
			agentCfg.Temperature = cfg.Interpreter.Temperature
			if cfg.Interpreter.MaxSteps > 0 {
				agentCfg.MaxSteps = cfg.Interpreter.MaxSteps
			}

			srv := httpapi.NewServer(httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port, Mode: mode}, client, backend, agentCfg, log)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			watcher, err := config.WatchConfigFiles(log, func(_ *config.Config, err error) {
				if err != nil {
					log.Warn("config reload failed", zap.Error(err))
					return
				}
				log.Info("config file changed; restart to apply (hot-swap not yet supported)")
			})
			if err != nil {
				log.Warn("config watcher unavailable", zap.Error(err))
			} else {
				defer watcher.Close()
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "debug", "gin mode: debug | production")
	return cmd
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func loadRuntime() (*config.Config, *zap.Logger, error) {
	if err := config.Bootstrap(zap.NewNop()); err != nil {
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stderr"})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	return cfg, log, nil
}

// buildClient wires every configured provider into a priority-ordered
// llmprovider.Router, falling back to a single unauthenticated OpenAI-wire
// provider if none are configured (useful against local OpenAI-compatible
// servers that need no key).
func buildClient(cfg *config.Config, log *zap.Logger) (llmprovider.Client, error) {
	router := llmprovider.NewRouter(log)

	if len(cfg.Providers) == 0 {
		p, err := llmprovider.Create(llmprovider.Config{Name: "default", Type: "openai"}, log)
		if err != nil {
			return nil, err
		}
		router.AddProvider(p, 0)
		return router, nil
	}

	for _, pc := range cfg.Providers {
		p, err := llmprovider.Create(llmprovider.Config{
			Name: pc.Name, Type: pc.Type, BaseURL: pc.BaseURL,
			APIKey: pc.APIKey, Models: pc.Models, Priority: pc.Priority,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		router.AddProvider(p, pc.Priority)
	}
	return router, nil
}

func buildBackend(cfg *config.Config) (session.Backend, error) {
	switch cfg.Session.Backend {
	case "", "memory":
		return session.NewMemoryBackend(), nil
	case "file":
		return session.NewFileBackend(cfg.Session.Dir)
	case "sql":
		return session.NewSQLBackend(cfg.Session.DBType, cfg.Session.DSN)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
