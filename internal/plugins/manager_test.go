package plugins

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	cacheDir := t.TempDir()
	return NewManager(cacheDir, log), cacheDir
}

func writeInstallMetadata(t *testing.T, cacheDir, pluginID string, metadata map[string]string) string {
	t.Helper()
	pluginDir := filepath.Join(cacheDir, "plugins", pluginID)
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	data, err := json.Marshal(metadata)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "install.json"), data, 0644))
	return pluginDir
}

func TestValidatePluginID(t *testing.T) {
	valid := []string{"claude-code", "codex", "gemini", "plugin-123", "a"}
	for _, id := range valid {
		assert.NoError(t, ValidatePluginID(id), id)
	}

	invalid := []string{
		"", "../etc", "foo/bar", "foo\\bar", "..",
		"Plugin", "plugin_name", "plugin.name", "plugin name",
		"-plugin", "plugin-",
	}
	for _, id := range invalid {
		assert.Error(t, ValidatePluginID(id), id)
	}

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidatePluginID(string(long)))
}

func TestGetStatusNotInstalled(t *testing.T) {
	manager, _ := newTestManager(t)

	status, err := manager.GetStatus("claude-code", false)
	require.NoError(t, err)
	assert.False(t, status.Installed)
	assert.Empty(t, status.InstalledVersion)
}

func TestInstallAndGetStatus(t *testing.T) {
	manager, _ := newTestManager(t)

	require.NoError(t, manager.Install("claude-code", "1.2.3"))

	status, err := manager.GetStatus("claude-code", false)
	require.NoError(t, err)
	assert.True(t, status.Installed)
	assert.Equal(t, "1.2.3", status.InstalledVersion)
	assert.Nil(t, status.UpdateAvailable)
}

func TestGetStatusWithUpdateCheck(t *testing.T) {
	manager, _ := newTestManager(t)

	require.NoError(t, manager.Install("claude-code", "0.0.1"))

	status, err := manager.GetStatus("claude-code", true)
	require.NoError(t, err)
	require.NotNil(t, status.UpdateAvailable)
	assert.True(t, *status.UpdateAvailable)
	assert.NotEmpty(t, status.LatestVersion)
}

func TestResolveBinNotInstalled(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.ResolveBin("codex")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePluginNotInstalled, apperrors.Code(err))
}

func TestResolveBinMissingBinPath(t *testing.T) {
	manager, cacheDir := newTestManager(t)
	writeInstallMetadata(t, cacheDir, "codex", map[string]string{"installedVersion": "1.0.0"})

	_, err := manager.ResolveBin("codex")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePluginMissingBinPath, apperrors.Code(err))
}

func TestResolveBinSuccess(t *testing.T) {
	manager, cacheDir := newTestManager(t)
	pluginDir := writeInstallMetadata(t, cacheDir, "codex", map[string]string{
		"installedVersion": "1.0.0",
		"binPath":          "bin/codex",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(pluginDir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "bin", "codex"), []byte("#!/bin/sh\n"), 0755))

	cmd, err := manager.ResolveBin("codex")
	require.NoError(t, err)
	assert.Contains(t, cmd.Path, "codex")
	assert.Equal(t, []string{"acp"}, cmd.Args, "catalog argv is attached")
}

func TestResolveBinRejectsEscape(t *testing.T) {
	manager, cacheDir := newTestManager(t)

	outside := t.TempDir()
	outsideBin := filepath.Join(outside, "evil")
	require.NoError(t, os.WriteFile(outsideBin, []byte("#!/bin/sh\n"), 0755))

	pluginDir := writeInstallMetadata(t, cacheDir, "codex", map[string]string{
		"binPath": "link-bin",
	})
	require.NoError(t, os.Symlink(outsideBin, filepath.Join(pluginDir, "link-bin")))

	_, err := manager.ResolveBin("codex")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
}

func TestResolveBinRejectsDirectory(t *testing.T) {
	manager, cacheDir := newTestManager(t)
	pluginDir := writeInstallMetadata(t, cacheDir, "codex", map[string]string{
		"binPath": "bindir",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(pluginDir, "bindir"), 0755))

	_, err := manager.ResolveBin("codex")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.Code(err))
}

func TestInstallPreservesBinPathOnUpgrade(t *testing.T) {
	manager, cacheDir := newTestManager(t)
	writeInstallMetadata(t, cacheDir, "codex", map[string]string{
		"installedVersion": "1.0.0",
		"binPath":          "bin/codex",
	})

	require.NoError(t, manager.Install("codex", "2.0.0"))

	status, err := manager.GetStatus("codex", false)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", status.InstalledVersion)
	assert.Equal(t, "bin/codex", status.BinPath)
}

func TestCatalogLookup(t *testing.T) {
	entry, ok := Lookup("claude-code")
	require.True(t, ok)
	assert.Equal(t, "claude-code", entry.PluginID)
	assert.NotEmpty(t, entry.LatestVersion)

	_, ok = Lookup("unknown-plugin")
	assert.False(t, ok)

	assert.NotEmpty(t, Known())
}
