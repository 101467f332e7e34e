// Package sandbox is the capability surface the agent uses to touch a
// project's working tree. Every path is confined to the tree root: lexical
// traversal, absolute paths, symlinks pointing outside the root and the .git
// directory are all refused before any filesystem mutation happens.
//
// A Sandbox holds no state besides the root and a progress sink; the
// filesystem is the only state shared between calls.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

const (
	maxReadBytes = 1 << 20
	maxListed    = 1000
)

// Level is the severity attached to a progress message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
		return true
	}
	return false
}

// ProgressFunc receives log_progress messages. It must not block for long.
type ProgressFunc func(level Level, message string)

// Sandbox confines file operations to one working tree.
type Sandbox struct {
	root     string
	progress ProgressFunc
}

// New returns a sandbox rooted at dir. The root itself is resolved through
// symlinks once, so later containment checks compare real paths.
func New(dir string, progress ProgressFunc) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", real)
	}
	if progress == nil {
		progress = func(Level, string) {}
	}
	return &Sandbox{root: real, progress: progress}, nil
}

// Root returns the resolved working-tree root.
func (s *Sandbox) Root() string { return s.root }

// ReadFile returns the contents of the file at rel.
func (s *Sandbox) ReadFile(rel string) (string, error) {
	p, err := s.resolve("read", rel, false)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", s.fail("read", rel, err)
	}
	if info.IsDir() {
		return "", &perrors.SandboxError{Op: "read", Path: rel, Err: fmt.Errorf("%w: is a directory", perrors.ErrInvalidInput)}
	}
	if info.Size() > maxReadBytes {
		return "", &perrors.SandboxError{Op: "read", Path: rel, Err: fmt.Errorf("%w: file is %d bytes, limit %d", perrors.ErrInvalidInput, info.Size(), maxReadBytes)}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", s.fail("read", rel, err)
	}
	return string(data), nil
}

// WriteFile replaces the whole content of rel, creating parent directories.
func (s *Sandbox) WriteFile(rel, content string) error {
	p, err := s.resolve("write", rel, true)
	if err != nil {
		return err
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return &perrors.SandboxError{Op: "write", Path: rel, Err: fmt.Errorf("%w: is a directory", perrors.ErrInvalidInput)}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return s.fail("write", rel, err)
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(p); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		return s.fail("write", rel, err)
	}
	return nil
}

// EditFile replaces the single occurrence of oldText in rel with newText.
// Zero or multiple occurrences are refused without touching the file.
func (s *Sandbox) EditFile(rel, oldText, newText string) error {
	if oldText == "" {
		return &perrors.SandboxError{Op: "edit", Path: rel, Err: fmt.Errorf("%w: old text is empty", perrors.ErrInvalidInput)}
	}
	p, err := s.resolve("edit", rel, false)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return s.fail("edit", rel, err)
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return &perrors.SandboxError{Op: "edit", Path: rel, Err: perrors.ErrEditNoMatch}
	case n > 1:
		return &perrors.SandboxError{Op: "edit", Path: rel, Err: fmt.Errorf("%w: appears %d times", perrors.ErrEditAmbiguous, n)}
	}
	info, err := os.Stat(p)
	if err != nil {
		return s.fail("edit", rel, err)
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(p, []byte(updated), info.Mode().Perm()); err != nil {
		return s.fail("edit", rel, err)
	}
	return nil
}

// ListFiles returns root-relative, slash-separated paths matching pattern.
// "**" matches across directories. Directories are suffixed with "/".
// Entries under .git and symlinks leading outside the root are omitted.
func (s *Sandbox) ListFiles(pattern string) ([]string, error) {
	if pattern == "" || pattern == "." {
		pattern = "**/*"
	}
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if strings.HasPrefix(pattern, "/") || pattern == ".." || strings.HasPrefix(pattern, "../") || strings.Contains(pattern, "/../") {
		return nil, &perrors.SandboxError{Op: "list", Path: pattern, Err: perrors.ErrPathViolation}
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, &perrors.SandboxError{Op: "list", Path: pattern, Err: fmt.Errorf("%w: bad glob pattern", perrors.ErrInvalidInput)}
	}

	matches, err := doublestar.Glob(os.DirFS(s.root), pattern)
	if err != nil {
		return nil, &perrors.SandboxError{Op: "list", Path: pattern, Err: err}
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if isGitPath(m) {
			continue
		}
		p, err := s.resolve("list", m, false)
		if err != nil {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			m += "/"
		}
		out = append(out, m)
	}
	sort.Strings(out)
	if len(out) > maxListed {
		out = out[:maxListed]
	}
	return out, nil
}

// LogProgress forwards a status message to the progress sink.
func (s *Sandbox) LogProgress(level Level, message string) error {
	if level == "" {
		level = LevelInfo
	}
	if !level.Valid() {
		return &perrors.SandboxError{Op: "log", Path: "", Err: fmt.Errorf("%w: unknown level %q", perrors.ErrInvalidInput, level)}
	}
	if strings.TrimSpace(message) == "" {
		return &perrors.SandboxError{Op: "log", Path: "", Err: fmt.Errorf("%w: empty message", perrors.ErrInvalidInput)}
	}
	s.progress(level, message)
	return nil
}

// resolve maps rel onto an absolute path inside the root or returns a
// SandboxError. For writes the target may not exist yet, so the nearest
// existing ancestor is resolved instead.
func (s *Sandbox) resolve(op, rel string, forWrite bool) (string, error) {
	violation := &perrors.SandboxError{Op: op, Path: rel, Err: perrors.ErrPathViolation}

	if strings.TrimSpace(rel) == "" {
		return "", &perrors.SandboxError{Op: op, Path: rel, Err: fmt.Errorf("%w: empty path", perrors.ErrInvalidInput)}
	}
	if strings.ContainsRune(rel, 0) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", violation
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || isGitPath(filepath.ToSlash(clean)) {
		return "", violation
	}
	abs := filepath.Join(s.root, clean)

	if !forWrite {
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", s.fail(op, rel, err)
		}
		if !s.contains(real) {
			return "", violation
		}
		return real, nil
	}

	// Walk up to the nearest existing ancestor and resolve that.
	existing := abs
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", violation
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", s.fail(op, rel, err)
	}
	if !s.contains(real) {
		return "", violation
	}
	return filepath.Join(append([]string{real}, tail...)...), nil
}

// contains reports whether real lies inside the root and outside .git.
func (s *Sandbox) contains(real string) bool {
	rel, err := filepath.Rel(s.root, real)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return false
	}
	return !isGitPath(filepath.ToSlash(rel))
}

func (s *Sandbox) fail(op, rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &perrors.SandboxError{Op: op, Path: rel, Err: perrors.ErrFileNotFound}
	}
	return &perrors.SandboxError{Op: op, Path: rel, Err: err}
}

func isGitPath(slashPath string) bool {
	first, _, _ := strings.Cut(slashPath, "/")
	return first == ".git"
}
