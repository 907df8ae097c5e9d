// Package plugins resolves plugin ids to executable adapter commands from
// an on-disk cache directory and reports installation status. Pure lookup
// and filesystem work; process execution happens elsewhere.
//
// Cache layout:
//
//	<cacheDir>/plugins/<pluginId>/install.json
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/protocol"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// installMetadata is the persisted per-plugin record in install.json.
type installMetadata struct {
	InstalledVersion string `json:"installedVersion,omitempty"`
	BinPath          string `json:"binPath,omitempty"`
}

// Manager is the global plugin manager.
type Manager struct {
	cacheDir string

	rootOnce sync.Once
	rootDir  string
	rootErr  error

	logger *logger.Logger
}

// NewManager creates a plugin manager over an application cache directory.
func NewManager(cacheDir string, log *logger.Logger) *Manager {
	return &Manager{
		cacheDir: cacheDir,
		logger:   log.WithFields(zap.String("component", "plugin-manager")),
	}
}

// pluginsRoot returns <cacheDir>/plugins, creating it on first use.
func (m *Manager) pluginsRoot() (string, error) {
	m.rootOnce.Do(func() {
		root := filepath.Join(m.cacheDir, "plugins")
		if err := os.MkdirAll(root, 0755); err != nil {
			m.rootErr = apperrors.IoError("failed to create plugins directory", err)
			return
		}
		m.rootDir = root
	})
	return m.rootDir, m.rootErr
}

// ValidatePluginID rejects ids that could escape the cache layout. Valid
// ids are 1-64 characters of lowercase letters, digits, and hyphens, with
// no leading or trailing hyphen.
func ValidatePluginID(pluginID string) error {
	if pluginID == "" {
		return apperrors.InvalidInput("plugin id cannot be empty")
	}
	if len(pluginID) > 64 {
		return apperrors.InvalidInput("plugin id cannot exceed 64 characters")
	}
	if strings.ContainsAny(pluginID, "/\\") || strings.Contains(pluginID, "..") {
		return apperrors.InvalidInput("plugin id contains invalid path characters")
	}
	for _, c := range pluginID {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return apperrors.InvalidInput("plugin id can only contain lowercase letters, numbers, and hyphens")
		}
	}
	if strings.HasPrefix(pluginID, "-") || strings.HasSuffix(pluginID, "-") {
		return apperrors.InvalidInput("plugin id cannot start or end with a hyphen")
	}
	return nil
}

// GetStatus reports a plugin's installation state. With checkUpdates, the
// catalog's shipped version is compared against the installed one; no
// network is consulted.
func (m *Manager) GetStatus(pluginID string, checkUpdates bool) (v1.PluginStatus, error) {
	if err := ValidatePluginID(pluginID); err != nil {
		return v1.PluginStatus{}, err
	}

	root, err := m.pluginsRoot()
	if err != nil {
		return v1.PluginStatus{}, err
	}
	pluginDir := filepath.Join(root, pluginID)

	status := v1.PluginStatus{PluginID: pluginID}

	info, statErr := os.Stat(pluginDir)
	status.Installed = statErr == nil && info.IsDir()

	if status.Installed {
		if metadata, err := m.readMetadata(pluginDir); err == nil {
			status.InstalledVersion = metadata.InstalledVersion
			status.BinPath = metadata.BinPath
		} else {
			m.logger.Warn("Failed to read install metadata",
				zap.String("plugin_id", pluginID),
				zap.Error(err))
		}
	}

	if checkUpdates {
		if entry, ok := Lookup(pluginID); ok && entry.LatestVersion != "" {
			status.LatestVersion = entry.LatestVersion
			if status.Installed {
				updateAvailable := status.InstalledVersion != entry.LatestVersion
				status.UpdateAvailable = &updateAvailable
			}
		}
	}

	return status, nil
}

// Install creates the plugin cache entry and records its metadata. The
// actual package-manager invocation is outside this component; callers
// schedule installs through the PluginInstaller, which arbitrates
// permission first.
func (m *Manager) Install(pluginID string, version string) error {
	if err := ValidatePluginID(pluginID); err != nil {
		return err
	}

	root, err := m.pluginsRoot()
	if err != nil {
		return err
	}
	pluginDir := filepath.Join(root, pluginID)

	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		return apperrors.IoError("failed to create plugin directory", err)
	}

	if version == "" {
		if entry, ok := Lookup(pluginID); ok {
			version = entry.LatestVersion
		}
	}

	// Preserve an existing bin path on upgrade.
	metadata := installMetadata{InstalledVersion: version}
	if existing, err := m.readMetadata(pluginDir); err == nil {
		metadata.BinPath = existing.BinPath
	}

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return apperrors.IoError("failed to serialize plugin metadata", err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "install.json"), data, 0644); err != nil {
		return apperrors.IoError("failed to write plugin metadata", err)
	}

	m.logger.Info("Plugin installed",
		zap.String("plugin_id", pluginID),
		zap.String("version", version))
	return nil
}

// ResolveBin resolves a plugin id to a launchable adapter command. It never
// triggers installation: a missing cache entry is PluginNotInstalled, and
// an entry without a usable binary is PluginMissingBinPath. The binary must
// resolve inside the plugin directory and be a regular file.
func (m *Manager) ResolveBin(pluginID string) (protocol.AdapterCommand, error) {
	if err := ValidatePluginID(pluginID); err != nil {
		return protocol.AdapterCommand{}, err
	}

	root, err := m.pluginsRoot()
	if err != nil {
		return protocol.AdapterCommand{}, err
	}
	pluginDir := filepath.Join(root, pluginID)

	info, statErr := os.Stat(pluginDir)
	if statErr != nil || !info.IsDir() {
		return protocol.AdapterCommand{}, apperrors.PluginNotInstalled(pluginID)
	}

	metadata, err := m.readMetadata(pluginDir)
	if err != nil {
		return protocol.AdapterCommand{}, apperrors.PluginNotInstalled(pluginID)
	}
	if metadata.BinPath == "" {
		return protocol.AdapterCommand{}, apperrors.PluginMissingBinPath(pluginID)
	}

	binPath := metadata.BinPath
	if !filepath.IsAbs(binPath) {
		binPath = filepath.Join(pluginDir, binPath)
	}

	canonicalDir, err := filepath.EvalSymlinks(pluginDir)
	if err != nil {
		return protocol.AdapterCommand{}, apperrors.IoError("failed to canonicalize plugin directory", err)
	}
	canonicalBin, err := filepath.EvalSymlinks(binPath)
	if err != nil {
		m.logger.Warn("Plugin bin path does not resolve",
			zap.String("plugin_id", pluginID),
			zap.String("bin_path", metadata.BinPath),
			zap.Error(err))
		return protocol.AdapterCommand{}, apperrors.PluginMissingBinPath(pluginID)
	}

	if canonicalBin != canonicalDir && !strings.HasPrefix(canonicalBin, canonicalDir+string(filepath.Separator)) {
		m.logger.Error("Plugin bin path resolves outside plugin directory",
			zap.String("plugin_id", pluginID),
			zap.String("bin_path", metadata.BinPath))
		return protocol.AdapterCommand{}, apperrors.InvalidInput(
			fmt.Sprintf("plugin binary must be within the plugin directory: %s", pluginID))
	}

	binInfo, err := os.Stat(canonicalBin)
	if err != nil {
		return protocol.AdapterCommand{}, apperrors.IoError("failed to stat plugin binary", err)
	}
	if !binInfo.Mode().IsRegular() {
		return protocol.AdapterCommand{}, apperrors.InvalidInput(
			fmt.Sprintf("plugin binary must be a regular file: %s", pluginID))
	}

	cmd := protocol.AdapterCommand{Path: canonicalBin}
	if entry, ok := Lookup(pluginID); ok {
		cmd.Args = append([]string(nil), entry.Args...)
		if len(entry.Env) > 0 {
			cmd.Env = make(map[string]string, len(entry.Env))
			for k, v := range entry.Env {
				cmd.Env[k] = v
			}
		}
	}

	m.logger.Debug("Resolved plugin binary",
		zap.String("plugin_id", pluginID),
		zap.String("path", canonicalBin))
	return cmd, nil
}

func (m *Manager) readMetadata(pluginDir string) (installMetadata, error) {
	content, err := os.ReadFile(filepath.Join(pluginDir, "install.json"))
	if err != nil {
		return installMetadata{}, err
	}
	var metadata installMetadata
	if err := json.Unmarshal(content, &metadata); err != nil {
		return installMetadata{}, fmt.Errorf("parse install.json: %w", err)
	}
	return metadata, nil
}
