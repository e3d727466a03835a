// Package builtin registers the stock workspace tools: clock, filesystem,
// and command execution. Schemas are reflected from the argument structs so
// the catalog and the validation layer can never drift apart.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/axon/internal/tools"
)

// Config controls builtin tool behavior.
type Config struct {
	// Workspace is the root all file paths resolve under.
	Workspace string

	// MaxReadBytes caps read_file output. Zero means 200000.
	MaxReadBytes int

	// CommandTimeout bounds execute_command. Zero means 60s.
	CommandTimeout time.Duration
}

// Register adds the builtin tool set to the gateway.
func Register(g *tools.Gateway, cfg Config) error {
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 200000
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	b := &builtins{cfg: cfg, resolver: resolver{root: cfg.Workspace}}

	set := []tools.Tool{
		{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a named format or IANA timezone.",
			Schema:      reflectSchema(timeArgs{}),
			Handler:     b.currentTime,
		},
		{
			Name:        "read_file",
			Description: "Read a file from the workspace with optional offset and byte limit.",
			Schema:      reflectSchema(readArgs{}),
			Handler:     b.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write or append content to a file in the workspace, creating parent directories.",
			Schema:      reflectSchema(writeArgs{}),
			Handler:     b.writeFile,
		},
		{
			Name:        "list_dir",
			Description: "List directory entries in the workspace.",
			Schema:      reflectSchema(listArgs{}),
			Handler:     b.listDir,
		},
		{
			Name:        "execute_command",
			Description: "Run a shell command in the workspace and return its combined output.",
			Schema:      reflectSchema(execArgs{}),
			Handler:     b.executeCommand,
		},
	}
	for _, tool := range set {
		if err := g.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// reflectSchema derives an inline JSON Schema from a tool argument struct.
func reflectSchema(args any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(args)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

type builtins struct {
	cfg      Config
	resolver resolver
}

// resolver validates workspace-relative paths.
type resolver struct {
	root string
}

// resolve returns an absolute, cleaned path within the workspace root.
func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return target, nil
}

type timeArgs struct {
	Format   string `json:"format,omitempty" jsonschema:"description=Go reference layout or one of rfc3339 / unix / kitchen"`
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/New_York"`
}

func (b *builtins) currentTime(ctx context.Context, args map[string]any) (any, error) {
	var in timeArgs
	decodeArgs(args, &in)

	now := time.Now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		now = now.In(loc)
	}
	switch strings.ToLower(in.Format) {
	case "", "rfc3339":
		return now.Format(time.RFC3339), nil
	case "unix":
		return fmt.Sprintf("%d", now.Unix()), nil
	case "kitchen":
		return now.Format(time.Kitchen), nil
	default:
		return now.Format(in.Format), nil
	}
}

type readArgs struct {
	Path     string `json:"path" jsonschema:"required,description=Path relative to the workspace"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read"`
}

func (b *builtins) readFile(ctx context.Context, args map[string]any) (any, error) {
	var in readArgs
	decodeArgs(args, &in)

	path, err := b.resolver.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if in.Offset > 0 {
		if _, err := f.Seek(in.Offset, 0); err != nil {
			return nil, fmt.Errorf("seek: %w", err)
		}
	}
	limit := b.cfg.MaxReadBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return string(buf[:n]), nil
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=File content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

func (b *builtins) writeFile(ctx context.Context, args map[string]any) (any, error) {
	var in writeArgs
	decodeArgs(args, &in)

	path, err := b.resolver.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if in.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, err := f.WriteString(in.Content); err != nil {
			return nil, err
		}
	} else if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

type listArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace; defaults to the root"`
}

func (b *builtins) listDir(ctx context.Context, args map[string]any) (any, error) {
	var in listArgs
	decodeArgs(args, &in)
	if in.Path == "" {
		in.Path = "."
	}

	path, err := b.resolver.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

type execArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"minimum=0,description=Timeout in seconds"`
}

func (b *builtins) executeCommand(ctx context.Context, args map[string]any) (any, error) {
	var in execArgs
	decodeArgs(args, &in)
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := b.cfg.CommandTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", in.Command)
	cmd.Dir = b.cfg.Workspace
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%v\n%s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// decodeArgs round-trips the parsed argument map into a typed struct. The
// gateway has already validated against the schema, so decode errors only
// arise from type mismatches the schema permits (numbers as float64).
func decodeArgs(args map[string]any, dst any) {
	data, err := json.Marshal(args)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}
