package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	mcpConfigFile = ".mcp.json"
	settingsFile  = ".claude/settings.local.json"
	// mcpServerName is how the agent sees the tool server.
	mcpServerName = "taskpilot"
)

func mcpConfig(url, token string) []byte {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			mcpServerName: map[string]any{
				"type":    "http",
				"url":     url,
				"headers": map[string]string{"Authorization": "Bearer " + token},
			},
		},
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return data
}

func settings(model string) []byte {
	cfg := map[string]any{"enableAllProjectMcpServers": true}
	if model != "" {
		cfg["model"] = model
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return data
}

// overlayFile writes data to path and returns a func that puts back
// whatever was there before, or removes the file if nothing was.
func overlayFile(path string, data []byte) (func() error, error) {
	orig, err := os.ReadFile(path)
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return func() error {
		if existed {
			return os.WriteFile(path, orig, 0o644)
		}
		return os.Remove(path)
	}, nil
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// writeAttachment stores the task image in the workspace and returns its
// workspace-relative path.
func writeAttachment(workDir string, image []byte, mediaType string) (string, error) {
	ext, ok := imageExtensions[mediaType]
	if !ok {
		ext = ".png"
	}
	rel := filepath.Join(attachmentDir, "attachment"+ext)
	full := filepath.Join(workDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := os.WriteFile(full, image, 0o600); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return rel, nil
}
