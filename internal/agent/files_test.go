package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayFile_RestoresOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, mcpConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0o644))

	restore, err := overlayFile(path, []byte("overlay"))
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "overlay", string(got))

	require.NoError(t, restore())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"mcpServers":{}}`, string(got))
}

func TestOverlayFile_RemovesWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, settingsFile)

	restore, err := overlayFile(path, settings("claude-sonnet"))
	require.NoError(t, err)
	assert.FileExists(t, path)

	require.NoError(t, restore())
	assert.NoFileExists(t, path)
}

func TestMCPConfig(t *testing.T) {
	var cfg struct {
		MCPServers map[string]struct {
			Type    string            `json:"type"`
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(mcpConfig("http://127.0.0.1:1234/mcp", "secret"), &cfg))

	srv, ok := cfg.MCPServers[mcpServerName]
	require.True(t, ok)
	assert.Equal(t, "http", srv.Type)
	assert.Equal(t, "http://127.0.0.1:1234/mcp", srv.URL)
	assert.Equal(t, "Bearer secret", srv.Headers["Authorization"])
}

func TestSettings(t *testing.T) {
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(settings("opus"), &cfg))
	assert.Equal(t, "opus", cfg["model"])
	assert.Equal(t, true, cfg["enableAllProjectMcpServers"])

	cfg = nil
	require.NoError(t, json.Unmarshal(settings(""), &cfg))
	assert.NotContains(t, cfg, "model")
}

func TestWriteAttachment(t *testing.T) {
	dir := t.TempDir()

	rel, err := writeAttachment(dir, []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(attachmentDir, "attachment.jpg"), rel)
	got, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, got)

	rel, err = writeAttachment(dir, []byte{1}, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(attachmentDir, "attachment.png"), rel)
}
