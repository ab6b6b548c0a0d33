package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSReadTool reads a file's contents, restricted to a workspace root.
// Grounded on the teacher's internal/tools/filesystem.go ReadFileTool,
// stripped of its managed-mode virtual-FS routing (context files, memory
// interceptors) which this spec has no equivalent of.
type FSReadTool struct {
	workspace string
	restrict  bool
}

func NewFSReadTool(workspace string, restrict bool) *FSReadTool {
	return &FSReadTool{workspace: workspace, restrict: restrict}
}

func (t *FSReadTool) Name() string        { return "fs_readFile" }
func (t *FSReadTool) Description() string { return "Read the contents of a file" }
func (t *FSReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path to the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *FSReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := t.resolve(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read %s: %v", path, err))
	}
	return NewResult(string(data))
}

func (t *FSReadTool) resolve(path string) (string, error) {
	if !t.restrict {
		return path, nil
	}
	joined := filepath.Join(t.workspace, path)
	clean := filepath.Clean(joined)
	workspaceClean := filepath.Clean(t.workspace)
	if clean != workspaceClean && !strings.HasPrefix(clean, workspaceClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return clean, nil
}

// FSWriteTool writes (creates or overwrites) a file's full contents. The
// Turn Engine routes chapo's fs_writeFile calls through
// internal/approval.Bridge (spec §4.3 scenario S1), whose PermissionPolicy
// decides whether a call waits for user approval; sub-agent delegations call
// the registry directly.
type FSWriteTool struct {
	workspace string
	restrict  bool
}

func NewFSWriteTool(workspace string, restrict bool) *FSWriteTool {
	return &FSWriteTool{workspace: workspace, restrict: restrict}
}

func (t *FSWriteTool) Name() string        { return "fs_writeFile" }
func (t *FSWriteTool) Description() string { return "Write full contents to a file, creating it if needed" }
func (t *FSWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to the file to write"},
			"content": map[string]interface{}{"type": "string", "description": "Full file contents"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FSWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := (&FSReadTool{workspace: t.workspace, restrict: t.restrict}).resolve(path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create parent dirs for %s: %v", path, err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}
