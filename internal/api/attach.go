package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	errAttachmentsDisabled = errors.New("file attachments are disabled")
	errOutsideRoot         = errors.New("file is outside the attachment directory")
)

// confine resolves name against root and returns the real path of the file.
// Relative names are taken relative to root. Anything that leaves root,
// lexically or through a symlink, is refused before the file is touched.
func confine(root, name string) (string, error) {
	if root == "" {
		return "", errAttachmentsDisabled
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("attachment directory: %w", err)
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = filepath.Clean(path)
	if !within(absRoot, path) {
		return "", errOutsideRoot
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("attachment directory: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		// The resolved path would reveal the server's layout.
		return "", fmt.Errorf("attachment %s cannot be resolved", name)
	}
	if !within(realRoot, realPath) {
		return "", errOutsideRoot
	}
	return realPath, nil
}

// within reports whether path is strictly below root. Both must be clean
// absolute paths.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
