// Package agent implements the VM's orchestrator (component I): the
// outer loop that asks an LLM to generate a Program, drives the
// interpreter's fetch/decode/execute loop, answers its NeedsLlm
// suspensions, and persists results back to the session store.
// Grounded directly on original_source/llcraft-agent/src/agent.rs.
package agent

import (
	"context"

	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/interpreter"
	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/internal/vm/opcode"
	"github.com/llcraft/llcraft/internal/vm/syscall"
	"go.uber.org/zap"
)

// Config configures an Agent.
type Config struct {
	// Model is the model name sent with every completion request.
	Model string
	// Temperature is the sampling temperature for program generation.
	Temperature float64
	// MaxSteps bounds a single program run's opcode budget.
	MaxSteps int
	// LogCallback, if set, receives the message of every LOG opcode the
	// program executes.
	LogCallback interpreter.LogFunc
}

// DefaultConfig returns an Agent's baseline configuration.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o",
		Temperature: 0.2,
		MaxSteps:    interpreter.DefaultStepLimit,
	}
}

// Result is what a completed Run returns to the caller: the COMPLETE
// opcode's value plus every page resident in memory when it finished.
type Result struct {
	Value     any
	Pages     map[string]*memory.Page
	SessionID string
}

// Agent is the LLM<->VM orchestrator. One Agent drives one task through
// one or more generated Programs, accumulating a trace across programs
// (agent.rs's full_trace) and, when bound to a session, persisting page
// content and an index of page summaries between runs.
type Agent struct {
	client   llmprovider.Client
	schema   *opcode.Schema
	syscalls syscall.Handler
	logger   *zap.Logger
	config   Config

	backend   session.Backend
	sess      *session.Session
	pageIndex map[string]session.PageIndex

	fullTrace []interpreter.ExecutionStep
}

// Option configures a new Agent.
type Option func(*Agent)

// WithSyscallHandler overrides the default syscall registry used by
// generated programs' tool opcodes.
func WithSyscallHandler(h syscall.Handler) Option {
	return func(a *Agent) { a.syscalls = h }
}

// WithLogger overrides the no-op default logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New builds an Agent around client, with no session persistence.
func New(client llmprovider.Client, config Config, opts ...Option) *Agent {
	a := &Agent{
		client:    client,
		schema:    opcode.NewSchema(),
		syscalls:  syscall.NewRegistry(),
		logger:    zap.NewNop(),
		config:    config,
		pageIndex: map[string]session.PageIndex{},
	}
	if sb, err := syscall.NewProcessSandbox(nil, zap.NewNop()); err == nil {
		a.syscalls = syscall.NewDefault(sb, zap.NewNop())
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithSession attaches a persistence backend and either resumes an
// existing session (if id names one that exists) or creates a new one,
// mirroring agent.rs's with_session. id may be empty to always create.
func (a *Agent) WithSession(ctx context.Context, backend session.Backend, id string) (*Agent, error) {
	a.backend = backend

	if id != "" {
		exists, err := backend.SessionExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			sess, err := backend.LoadSession(ctx, id)
			if err != nil {
				return nil, err
			}
			a.sess = sess
			a.pageIndex = make(map[string]session.PageIndex, len(sess.PageIndex))
			for pid, idx := range sess.PageIndex {
				a.pageIndex[pid] = idx
			}
			a.logger.Info("resumed session",
				zap.String("session_id", id),
				zap.String("task", sess.Metadata.Task),
				zap.Int("indexed_pages", len(a.pageIndex)),
			)
			return a, nil
		}
		sess := session.New(id, "agent session")
		if err := backend.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		a.sess = sess
		return a, nil
	}

	sess, err := backend.CreateSession(ctx, "agent session")
	if err != nil {
		return nil, err
	}
	a.sess = sess
	a.logger.Info("created session", zap.String("session_id", sess.Metadata.ID))
	return a, nil
}

// Trace returns the trace accumulated across every program run so far.
func (a *Agent) Trace() []interpreter.ExecutionStep { return a.fullTrace }

// Run generates a program for task, executes it to completion (answering
// every LLM suspension along the way), and persists its pages to the
// session if one is attached. Mirrors agent.rs's Agent::run.
func (a *Agent) Run(ctx context.Context, task string) (*Result, error) {
	program, err := a.generateProgram(ctx, task)
	if err != nil {
		return nil, err
	}
	return a.runProgram(ctx, program)
}

func (a *Agent) sessionID() string {
	if a.sess == nil {
		return ""
	}
	return a.sess.Metadata.ID
}

func (a *Agent) newInterpreter(program *opcode.Program) (*interpreter.Interpreter, error) {
	sess := a.sess
	if sess == nil {
		sess = session.New(session.GenerateID(), "agent session")
	}
	programs := map[string]*opcode.Program{program.ID: program}
	entry := program.ID

	opts := []interpreter.Option{
		interpreter.WithSyscallHandler(a.syscalls),
		interpreter.WithLogger(a.logger),
		interpreter.WithStepLimit(a.config.MaxSteps),
	}
	if a.config.LogCallback != nil {
		opts = append(opts, interpreter.WithLogCallback(a.config.LogCallback))
	}
	if a.backend != nil {
		opts = append(opts, interpreter.WithSessionBackend(a.backend))
	}
	return interpreter.New(sess, programs, entry, opts...)
}

// collectPages snapshots every page resident in the interpreter's active
// memory for the final AgentResult and for persistence.
func collectPages(it *interpreter.Interpreter) map[string]*memory.Page {
	return it.AllPages()
}
