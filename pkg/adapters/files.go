// Package adapters holds the built-in action adapters the gate ships with.
// Deployments register their own alongside these before sealing the
// registry.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/Mindburn-Labs/helm-gate/pkg/registry"
)

// SideEffectFilesystem is declared by every file adapter.
const SideEffectFilesystem = "filesystem"

const maxReadBytes = 1 << 20

const fileWriteSchema = `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	},
	"additionalProperties": false
}`

const filePathSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// Files returns file.write, file.read and file.delete adapters confined to
// root. Paths that escape root are rejected by the os.Root itself.
func Files(root *os.Root) []registry.Entry {
	return []registry.Entry{
		{
			ActionType:  "file.write",
			Adapter:     registry.AdapterFunc(func(ctx context.Context, p map[string]any) (registry.Result, error) { return writeFile(ctx, root, p) }),
			Schema:      fileWriteSchema,
			SideEffects: []string{SideEffectFilesystem},
		},
		{
			ActionType: "file.read",
			Adapter:    registry.AdapterFunc(func(ctx context.Context, p map[string]any) (registry.Result, error) { return readFile(ctx, root, p) }),
			Schema:     filePathSchema,
		},
		{
			ActionType:  "file.delete",
			Adapter:     registry.AdapterFunc(func(ctx context.Context, p map[string]any) (registry.Result, error) { return deleteFile(ctx, root, p) }),
			Schema:      filePathSchema,
			SideEffects: []string{SideEffectFilesystem},
		},
	}
}

func writeFile(ctx context.Context, root *os.Root, p map[string]any) (registry.Result, error) {
	if err := ctx.Err(); err != nil {
		return registry.Result{}, err
	}
	path, _ := p["path"].(string)
	content, _ := p["content"].(string)

	f, err := root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return registry.Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	n, werr := io.WriteString(f, content)
	cerr := f.Close()
	if werr != nil {
		return registry.Result{}, fmt.Errorf("write %s: %w", path, werr)
	}
	if cerr != nil {
		return registry.Result{}, fmt.Errorf("close %s: %w", path, cerr)
	}
	return registry.Result{Output: map[string]any{"path": path, "bytes": n}}, nil
}

func readFile(ctx context.Context, root *os.Root, p map[string]any) (registry.Result, error) {
	if err := ctx.Err(); err != nil {
		return registry.Result{}, err
	}
	path, _ := p["path"].(string)

	f, err := root.Open(path)
	if err != nil {
		return registry.Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return registry.Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return registry.Result{}, fmt.Errorf("read %s: larger than %d bytes", path, maxReadBytes)
	}
	return registry.Result{Output: map[string]any{"path": path, "content": string(data)}}, nil
}

func deleteFile(ctx context.Context, root *os.Root, p map[string]any) (registry.Result, error) {
	if err := ctx.Err(); err != nil {
		return registry.Result{}, err
	}
	path, _ := p["path"].(string)

	err := root.Remove(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return registry.Result{Output: map[string]any{"path": path, "deleted": false}}, nil
	case err != nil:
		return registry.Result{}, fmt.Errorf("remove %s: %w", path, err)
	}
	return registry.Result{Output: map[string]any{"path": path, "deleted": true}}, nil
}
