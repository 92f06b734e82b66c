// Package builtin registers the small set of filesystem and shell tools a
// bare TurnDriver session needs to be useful: read/write/list over the
// project root, a grep search, and a bash runner whose working directory
// is the project root (the command itself is not sandboxed). Each is a thin
// os/exec or os wrapper — there's no vendor SDK for "read a file", so this
// is the one corner of the transformed tree that stays on the standard
// library by necessity rather than by omission (see DESIGN.md).
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentcore/core/internal/tools"
)

// Register installs the builtin tool set into r, resolving relative paths
// against projectRoot and refusing to touch anything outside it.
func Register(r *tools.Registry, projectRoot string) error {
	registrations := []struct {
		desc    tools.Descriptor
		handler tools.Handler
	}{
		{readFileDescriptor(), readFileHandler(projectRoot)},
		{writeFileDescriptor(), writeFileHandler(projectRoot)},
		{listDirDescriptor(), listDirHandler(projectRoot)},
		{grepDescriptor(), grepHandler(projectRoot)},
		{bashDescriptor(), bashHandler(projectRoot)},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.desc, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath joins a tool-supplied path against root and rejects any
// result that escapes it, per spec.md §4.3's path-touching contract —
// PermissionGate's allow/deny-path matching only means anything if tools
// can't sidestep it via ../.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return root, nil
	}
	joined := path
	if !filepath.IsAbs(path) {
		joined = filepath.Join(root, path)
	}
	clean := filepath.Clean(joined)
	rootClean := filepath.Clean(root)
	if clean != rootClean && !strings.HasPrefix(clean, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project root", path)
	}
	return clean, nil
}

func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

func readFileDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "read_file",
		Description: "Read a UTF-8 text file within the project root.",
		Permission:  tools.ReadOnly,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		ExtractPaths: func(args map[string]any) []string { return []string{stringArg(args, "path")} },
	}
}

func readFileHandler(root string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := resolvePath(root, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read_file: %w", err)
		}
		return string(data), nil
	}
}

func writeFileDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "write_file",
		Description: "Write (overwrite) a UTF-8 text file within the project root.",
		Permission:  tools.NeedsApproval,
		Editing:     true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		ExtractPaths: func(args map[string]any) []string { return []string{stringArg(args, "path")} },
	}
}

func writeFileHandler(root string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := resolvePath(root, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		if err := os.WriteFile(path, []byte(stringArg(args, "content")), 0o644); err != nil {
			return nil, fmt.Errorf("write_file: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(stringArg(args, "content")), path), nil
	}
}

func listDirDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "list_dir",
		Description: "List entries in a directory within the project root.",
		Permission:  tools.ReadOnly,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
		ExtractPaths: func(args map[string]any) []string { return []string{stringArg(args, "path")} },
	}
}

func listDirHandler(root string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path, err := resolvePath(root, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("list_dir: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name()+"/")
				continue
			}
			names = append(names, e.Name())
		}
		return strings.Join(names, "\n"), nil
	}
}

func grepDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "grep",
		Description: "Search file contents for a pattern within the project root.",
		Permission:  tools.ReadOnly,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
			},
			"required": []string{"pattern"},
		},
		ExtractPaths: func(args map[string]any) []string { return []string{stringArg(args, "path")} },
	}
}

func grepHandler(root string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		dir, err := resolvePath(root, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		pattern := stringArg(args, "pattern")
		if pattern == "" {
			return nil, fmt.Errorf("grep: pattern is required")
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		cmd := exec.CommandContext(cmdCtx, "grep", "-rn", "--", pattern, dir)
		var out, stderr bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return "no matches", nil
			}
			return nil, fmt.Errorf("grep: %s", stderr.String())
		}
		return out.String(), nil
	}
}

func bashDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "bash",
		Description: "Run a shell command with the project root as its working directory.",
		Permission:  tools.NeedsApproval,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []string{"command"},
		},
		ExtractPaths: func(args map[string]any) []string { return nil }, // touches the project root
	}
}

func bashHandler(root string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		command := stringArg(args, "command")
		if command == "" {
			return nil, fmt.Errorf("bash: command is required")
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
		cmd.Dir = root
		var out, stderr bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &stderr
		err := cmd.Run()
		result := out.String()
		if stderr.Len() > 0 {
			result += "\n[stderr]\n" + stderr.String()
		}
		if err != nil {
			return result, fmt.Errorf("bash: %w", err)
		}
		return result, nil
	}
}
