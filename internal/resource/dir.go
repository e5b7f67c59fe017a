package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"
)

// IndexFile is served in place of a directory listing when present.
const IndexFile = "index.html"

// Entry is one item of a generated directory listing.
type Entry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Human    string `json:"human_size"`
	IsDir    bool   `json:"is_dir"`
	ModTime  string `json:"mod_time"`
	Location string `json:"location"`
}

// Listing is the JSON document generated for a directory.
type Listing struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// DirProvider serves files below a root directory.
type DirProvider struct {
	root string
}

// NewDirProvider returns a provider rooted at dir.
func NewDirProvider(dir string) (*DirProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &DirProvider{root: resolved}, nil
}

// Root returns the resolved root directory.
func (p *DirProvider) Root() string {
	return p.root
}

// Open resolves a slash-separated request path below the root.
func (p *DirProvider) Open(ctx context.Context, reqPath string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean, err := CleanPath(reqPath)
	if err != nil {
		return nil, err
	}

	full := filepath.Join(p.root, filepath.FromSlash(clean))
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return nil, mapFSError(err)
	}
	if !isPathUnderPrefix(resolved, p.root) {
		return nil, ErrForbidden
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, mapFSError(err)
	}

	if info.IsDir() {
		index := filepath.Join(resolved, IndexFile)
		if ii, err := os.Stat(index); err == nil && ii.Mode().IsRegular() {
			return openFile(index, ii)
		}
		return p.listing(clean, resolved, info)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrForbidden
	}
	return openFile(resolved, info)
}

func openFile(name string, info fs.FileInfo) (*Resource, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, mapFSError(err)
	}
	return NewResource(info.Name(), info.Size(), info.ModTime(), f, f), nil
}

// listing renders a directory as JSON, directories first then by name.
func (p *DirProvider) listing(clean, dir string, info fs.FileInfo) (*Resource, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapFSError(err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Name:     de.Name(),
			IsDir:    de.IsDir(),
			ModTime:  fi.ModTime().UTC().Format(time.RFC3339),
			Location: path.Join(clean, de.Name()),
		}
		if !e.IsDir {
			e.Size = fi.Size()
			e.Human = humanize.IBytes(uint64(fi.Size()))
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	data, err := json.MarshalIndent(Listing{Path: clean, Entries: entries, Total: len(entries)}, "", "  ")
	if err != nil {
		return nil, err
	}
	return NewResource("index.json", int64(len(data)), info.ModTime(), bytes.NewReader(data), nil), nil
}

// CleanPath normalizes a request path to a rooted slash path. Parent
// references and control characters are rejected.
func CleanPath(reqPath string) (string, error) {
	if containsDangerousChars(reqPath) {
		return "", ErrBadPath
	}
	normalized := norm.NFC.String(reqPath)
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", ErrForbidden
		}
	}
	if strings.Contains(normalized, "\\") {
		return "", ErrBadPath
	}
	return path.Clean("/" + normalized), nil
}

func containsDangerousChars(p string) bool {
	for _, r := range p {
		if r == 0 || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// isPathUnderPrefix checks if p is prefix itself or lies below it.
func isPathUnderPrefix(p, prefix string) bool {
	if p == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrForbidden
	default:
		return err
	}
}
