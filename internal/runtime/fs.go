package runtime

import (
	"fmt"
	"os"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
)

// maxReadBytes caps a single text file read.
const maxReadBytes = 1024 * 1024

// FsManager performs text file reads and writes bounded to a workspace
// root. It is stateless: no caching, no atomicity beyond the OS call.
type FsManager struct {
	workspaceRoot string
}

// NewFsManager creates an FsManager scoped to a canonicalized workspace root.
func NewFsManager(workspaceRoot string) *FsManager {
	return &FsManager{workspaceRoot: workspaceRoot}
}

// ReadTextFile reads a text file within the workspace boundary.
func (m *FsManager) ReadTextFile(path string) (string, error) {
	resolved, err := ResolvePathInWorkspace(m.workspaceRoot, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", apperrors.IoError(fmt.Sprintf("failed to stat '%s'", path), err)
	}
	if !info.Mode().IsRegular() {
		return "", apperrors.InvalidInput(fmt.Sprintf("path is not a file: %s", path))
	}
	if info.Size() > maxReadBytes {
		return "", apperrors.InvalidInput(fmt.Sprintf("file too large to read: %s (max %d bytes)", path, maxReadBytes))
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", apperrors.IoError(fmt.Sprintf("failed to read file '%s'", path), err)
	}
	return string(content), nil
}

// WriteTextFile writes a text file within the workspace boundary. The parent
// directory must already exist; missing targets are created.
func (m *FsManager) WriteTextFile(path string, content string) error {
	resolved, err := ResolvePathInWorkspace(m.workspaceRoot, path)
	if err != nil {
		return err
	}

	if info, err := os.Stat(resolved); err == nil && !info.Mode().IsRegular() {
		return apperrors.InvalidInput(fmt.Sprintf("path is not a file: %s", path))
	}

	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return apperrors.IoError(fmt.Sprintf("failed to write file '%s'", path), err)
	}
	return nil
}
