package safety

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// NormalizeRelPath converts a manifest path into its canonical slash-separated
// form. Backslash separators are accepted and rewritten, so manifests produced
// on Windows normalize to the same key. Empty, absolute, and escaping paths
// are rejected.
func NormalizeRelPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is empty")
	}

	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || hasVolumeName(slashed) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}

	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// hasVolumeName reports whether p starts with a drive letter such as "C:".
func hasVolumeName(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// CleanRelativePath validates a relative path and returns it in OS form.
func CleanRelativePath(p string) (string, error) {
	norm, err := NormalizeRelPath(p)
	if err != nil {
		return "", err
	}
	return filepath.FromSlash(norm), nil
}

// SafeJoinUnder joins a validated relative path under root and verifies
// the final path remains inside root.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." {
		return "", fmt.Errorf("path resolves to root: %q", candidate)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// EnsureResolvedUnderRoot is EnsureUnderRoot with symlinks resolved on both
// sides, so a directory inside root that links elsewhere cannot carry a
// write out of it. Components that do not exist yet are taken literally.
func EnsureResolvedUnderRoot(root, candidate string) (string, error) {
	candAbs, err := EnsureUnderRoot(root, candidate)
	if err != nil {
		return "", err
	}
	rootReal, err := resolveExisting(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	// The file itself may be a link; rename replaces it rather than
	// following it, so only the parent directory matters.
	dirReal, err := resolveExisting(filepath.Dir(candAbs))
	if err != nil {
		return "", fmt.Errorf("resolve parent: %w", err)
	}
	if _, err := EnsureUnderRoot(rootReal, filepath.Join(dirReal, filepath.Base(candAbs))); err != nil {
		return "", fmt.Errorf("path leaves root through a symlink: %q", candidate)
	}
	return candAbs, nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of p and
// appends the remainder unchanged.
func resolveExisting(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var rest []string
	for cur := abs; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
