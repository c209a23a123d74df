package syscall

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/llcraft/llcraft/pkg/vmerr"
	"go.uber.org/zap"
)

// NewDefault builds the Registry recognizing read_file/write_file/list_dir/
// exec/grep per spec.md §4.F's result shapes.
func NewDefault(sandbox *ProcessSandbox, logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.Register("read_file", readFile)
	r.Register("write_file", writeFile)
	r.Register("list_dir", listDir)
	r.Register("exec", execCommand(sandbox, logger))
	r.Register("grep", grepFiles(sandbox, logger))
	return r
}

func readFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return toJSONResult(map[string]any{"success": false, "error": "file not found: " + path})
		}
		return toJSONResult(map[string]any{"success": false, "error": err.Error()})
	}
	return toJSONResult(map[string]any{"success": true, "content": string(content), "path": path})
}

func writeFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return toJSONResult(map[string]any{"success": false, "error": err.Error()})
	}
	return toJSONResult(map[string]any{"success": true, "path": path})
}

func listDir(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return toJSONResult(map[string]any{"success": false, "error": err.Error()})
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return toJSONResult(map[string]any{"success": true, "files": names, "path": path})
}

func execCommand(sandbox *ProcessSandbox, logger *zap.Logger) Func {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		command, err := stringArg(args, "command")
		if err != nil {
			return nil, err
		}
		result, runErr := sandbox.ExecuteShell(ctx, command)
		if result == nil {
			return nil, vmerr.Wrap(vmerr.KindSyscallFailed, runErr, "exec syscall").WithOperation("syscall.exec")
		}
		if result.Killed {
			return nil, vmerr.New(vmerr.KindSyscallTimeout, "command timed out").WithOperation("syscall.exec").WithContext("command", command)
		}
		logger.Debug("exec syscall completed", zap.String("command", command), zap.Int("exit_code", result.ExitCode))
		return toJSONResult(map[string]any{
			"success":   result.ExitCode == 0,
			"stdout":    result.Stdout,
			"stderr":    result.Stderr,
			"exit_code": result.ExitCode,
		})
	}
}

func grepFiles(sandbox *ProcessSandbox, logger *zap.Logger) Func {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		pattern, err := stringArg(args, "pattern")
		if err != nil {
			return nil, err
		}
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		result, runErr := sandbox.Execute(ctx, "grep", []string{"-rn", pattern, path})
		if result == nil {
			return nil, vmerr.Wrap(vmerr.KindSyscallFailed, runErr, "grep syscall").WithOperation("syscall.grep")
		}
		// grep exit code 1 means "no matches" — not a failure.
		if result.ExitCode > 1 {
			return toJSONResult(map[string]any{"success": false, "error": strings.TrimSpace(result.Stderr)})
		}
		var matches []string
		if strings.TrimSpace(result.Stdout) != "" {
			matches = strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n")
		}
		logger.Debug("grep syscall completed", zap.String("pattern", pattern), zap.Int("matches", len(matches)))
		return toJSONResult(map[string]any{"success": true, "matches": matches, "count": len(matches)})
	}
}
