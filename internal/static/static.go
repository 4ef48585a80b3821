// Package static serves files from a directory tree. Every path is checked
// for containment after it has been cleaned and after symlinks have been
// resolved; anything that lands outside the root is rejected.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"
)

var (
	ErrForbidden = errors.New("static: path escapes root")
	ErrNotFound  = errors.New("static: not found")
)

// Resolver maps request paths below one root directory to files.
type Resolver struct {
	root  string // absolute, symlinks resolved
	index []string
}

// File is a resolved regular file inside the root.
type File struct {
	Path        string // absolute real path
	ContentType string
	Size        int64
	ModTime     time.Time

	rel string // Path relative to the root
}

func New(root string, index []string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("static root %q: not a directory", root)
	}
	return &Resolver{root: real, index: slices.Clone(index)}, nil
}

// Resolve maps residual (the request path with the location prefix removed)
// to a file. It returns ErrForbidden when the path escapes the root and
// ErrNotFound when nothing servable exists.
func (r *Resolver) Resolve(residual string) (*File, error) {
	if strings.IndexByte(residual, 0) >= 0 {
		return nil, ErrForbidden
	}
	candidate := filepath.Join(r.root, filepath.FromSlash(residual))
	if !r.contains(candidate) {
		return nil, ErrForbidden
	}

	real, fi, err := r.lookup(candidate)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		for _, name := range r.index {
			idx := filepath.Join(real, filepath.FromSlash(name))
			if !r.contains(idx) {
				return nil, ErrForbidden
			}
			p, ifi, err := r.lookup(idx)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ifi.Mode().IsRegular() {
				return r.file(idx, p, ifi), nil
			}
		}
		return nil, ErrNotFound
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	return r.file(candidate, real, fi), nil
}

// lookup resolves symlinks in p and re-checks containment on the real path.
func (r *Resolver) lookup(p string) (string, fs.FileInfo, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("static: %w", err)
	}
	if !r.contains(real) {
		return "", nil, ErrForbidden
	}
	fi, err := os.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("static: %w", err)
	}
	return real, fi, nil
}

func (r *Resolver) contains(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// file describes the real file p. The content type follows the name that
// was requested, not the symlink target.
func (r *Resolver) file(name, p string, fi fs.FileInfo) *File {
	rel, _ := filepath.Rel(r.root, p)
	return &File{
		Path:        p,
		ContentType: ContentType(name),
		Size:        fi.Size(),
		ModTime:     fi.ModTime(),
		rel:         rel,
	}
}

// Open opens f through an os.Root so a symlink swapped in after Resolve
// still cannot lead outside the root.
func (r *Resolver) Open(f *File) (*os.File, error) {
	root, err := os.OpenRoot(r.root)
	if err != nil {
		return nil, fmt.Errorf("static: %w", err)
	}
	defer func() { _ = root.Close() }()
	fh, err := root.Open(f.rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ErrForbidden
	}
	return fh, nil
}

// Serve streams f. HEAD, Range and conditional requests are handled by
// http.ServeContent.
func (r *Resolver) Serve(w http.ResponseWriter, req *http.Request, f *File) error {
	fh, err := r.Open(f)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()
	w.Header().Set("Content-Type", f.ContentType)
	http.ServeContent(w, req, filepath.Base(f.Path), f.ModTime, fh)
	return nil
}

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
}

// ContentType maps a file name to a media type by extension.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
