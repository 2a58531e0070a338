// Package clientfs serves the ACP fs/read_text_file and fs/write_text_file
// client methods, confined to a project root.
package clientfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmora/acpmux/acp"
)

// Errors returned for rejected requests.
var (
	ErrNotAbsolute  = errors.New("clientfs: path must be absolute")
	ErrOutsideRoot  = errors.New("clientfs: path is outside the project root")
	ErrWriteRefused = errors.New("clientfs: writes are disabled")
	ErrTooLarge     = errors.New("clientfs: file too large")
)

// DefaultMaxFileSize caps files read into a single response.
const DefaultMaxFileSize = 10 * 1024 * 1024

// FS answers file requests from an agent. The zero root allows any
// absolute path.
type FS struct {
	root        string
	allowWrite  bool
	maxFileSize int64
}

// Option configures an FS.
type Option func(*FS)

// WithWrite enables fs/write_text_file.
func WithWrite(allow bool) Option {
	return func(f *FS) { f.allowWrite = allow }
}

// WithMaxFileSize caps readable file size. Non-positive values are
// ignored.
func WithMaxFileSize(n int64) Option {
	return func(f *FS) {
		if n > 0 {
			f.maxFileSize = n
		}
	}
}

// New returns an FS rooted at root. root must be absolute or empty.
func New(root string, opts ...Option) (*FS, error) {
	if root != "" {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("%w: root %q", ErrNotAbsolute, root)
		}
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		root = filepath.Clean(root)
	}
	f := &FS{root: root, maxFileSize: DefaultMaxFileSize}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Root returns the resolved project root.
func (f *FS) Root() string { return f.root }

// CanWrite reports whether writes are enabled.
func (f *FS) CanWrite() bool { return f.allowWrite }

// ReadTextFile returns the file content. When Line is set (1-based) the
// content starts at that line; Limit caps the number of lines.
func (f *FS) ReadTextFile(p acp.ReadTextFileParams) (acp.ReadTextFileResult, error) {
	path, err := f.resolve(p.Path)
	if err != nil {
		return acp.ReadTextFileResult{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return acp.ReadTextFileResult{}, fmt.Errorf("clientfs: read %s: %w", p.Path, err)
	}
	if info.Size() > f.maxFileSize {
		return acp.ReadTextFileResult{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, p.Path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResult{}, fmt.Errorf("clientfs: read %s: %w", p.Path, err)
	}
	return acp.ReadTextFileResult{Content: sliceLines(string(data), p.Line, p.Limit)}, nil
}

// sliceLines keeps line endings intact so a full read round-trips.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.SplitAfter(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit >= 0 {
		end = min(start+*limit, len(lines))
	}
	return strings.Join(lines[start:end], "")
}

// WriteTextFile writes the content, creating parent directories.
func (f *FS) WriteTextFile(p acp.WriteTextFileParams) error {
	if !f.allowWrite {
		return ErrWriteRefused
	}
	path, err := f.resolve(p.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("clientfs: write %s: %w", p.Path, err)
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(p.Content), mode); err != nil {
		return fmt.Errorf("clientfs: write %s: %w", p.Path, err)
	}
	return nil
}

// resolve validates path and returns it with symlinks resolved as far as
// the path exists.
func (f *FS) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q", ErrNotAbsolute, path)
	}
	clean := resolveExisting(filepath.Clean(path))
	if f.root == "" {
		return clean, nil
	}
	rel, err := filepath.Rel(f.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return clean, nil
}

// resolveExisting evaluates symlinks for the longest existing prefix of
// path and re-appends the missing tail.
func resolveExisting(path string) string {
	var tail []string
	cur := path
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}
