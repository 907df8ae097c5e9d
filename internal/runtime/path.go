// Package runtime implements the workspace-scoped runtime layer: workspace
// management, agent lifecycle, permission arbitration, terminals, and
// filesystem access.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
)

// CanonicalizeWorkspaceRoot validates and canonicalizes a workspace root
// directory: it must exist, be a directory, and is returned with all
// symlinks resolved.
func CanonicalizeWorkspaceRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", apperrors.InvalidInput("root directory cannot be empty")
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.InvalidInput(fmt.Sprintf("root directory does not exist: %s", root))
		}
		return "", apperrors.IoError(fmt.Sprintf("failed to stat root directory '%s'", root), err)
	}
	if !info.IsDir() {
		return "", apperrors.InvalidInput(fmt.Sprintf("root path is not a directory: %s", root))
	}

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", apperrors.IoError(fmt.Sprintf("failed to canonicalize root directory '%s'", root), err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", apperrors.IoError(fmt.Sprintf("failed to resolve root directory '%s'", root), err)
	}
	return abs, nil
}

// ResolvePathInWorkspace resolves a file path (absolute, or relative to the
// workspace root) and enforces the workspace boundary. Canonicalization is
// not string manipulation: symlinks are fully resolved before the prefix
// check, and ".." segments resolve as part of that — an existing symlink
// pointing outside the root is rejected with PathEscape.
//
// For targets that do not exist yet (writes), the parent directory is
// canonicalized and the final element rejoined before the check.
func ResolvePathInWorkspace(root string, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", apperrors.InvalidInput("path cannot be empty")
	}

	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", apperrors.IoError(fmt.Sprintf("failed to canonicalize workspace root '%s'", root), err)
	}

	candidate := input
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(canonicalRoot, candidate)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", apperrors.IoError(fmt.Sprintf("failed to canonicalize path '%s'", input), err)
		}
		// Target missing: canonicalize the parent and rejoin the name, so a
		// write through a symlinked directory is still boundary-checked.
		parent, name := filepath.Split(filepath.Clean(candidate))
		resolvedParent, perr := filepath.EvalSymlinks(parent)
		if perr != nil {
			if os.IsNotExist(perr) {
				return "", apperrors.InvalidInput(fmt.Sprintf("parent directory does not exist: %s", input))
			}
			return "", apperrors.IoError(fmt.Sprintf("failed to canonicalize parent of '%s'", input), perr)
		}
		resolved = filepath.Join(resolvedParent, name)
	}

	if !isWithin(canonicalRoot, resolved) {
		return "", apperrors.PathEscape(input)
	}
	return resolved, nil
}

// isWithin reports whether path equals root or is a descendant of it.
func isWithin(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
