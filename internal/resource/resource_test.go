package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/postalsys/hostrelay/internal/protocol"
)

func newTestRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0644))
	must(os.MkdirAll(filepath.Join(root, "docs", "sub"), 0755))
	must(os.WriteFile(filepath.Join(root, "docs", "a.bin"), bytes.Repeat([]byte{1}, 2048), 0644))
	must(os.MkdirAll(filepath.Join(root, "site"), 0755))
	must(os.WriteFile(filepath.Join(root, "site", IndexFile), []byte("<h1>hi</h1>"), 0644))
	return root
}

func readAll(t *testing.T, res *Resource) []byte {
	t.Helper()
	data, err := io.ReadAll(res.Section(0, res.Size-1))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return data
}

func TestDirProvider_File(t *testing.T) {
	p, err := NewDirProvider(newTestRoot(t))
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}

	res, err := p.Open(context.Background(), "hello.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer res.Close()

	if res.Size != 11 {
		t.Errorf("Size = %d, want 11", res.Size)
	}
	if got := readAll(t, res); string(got) != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}

	section, _ := io.ReadAll(res.Section(6, 10))
	if string(section) != "world" {
		t.Errorf("Section(6, 10) = %q, want %q", section, "world")
	}
}

func TestDirProvider_Index(t *testing.T) {
	p, err := NewDirProvider(newTestRoot(t))
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}

	res, err := p.Open(context.Background(), "/site/")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer res.Close()
	if got := readAll(t, res); string(got) != "<h1>hi</h1>" {
		t.Errorf("content = %q, want index.html", got)
	}
}

func TestDirProvider_Listing(t *testing.T) {
	p, err := NewDirProvider(newTestRoot(t))
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}

	res, err := p.Open(context.Background(), "docs")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer res.Close()

	var listing Listing
	if err := json.Unmarshal(readAll(t, res), &listing); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if listing.Path != "/docs" {
		t.Errorf("Path = %q, want /docs", listing.Path)
	}
	if listing.Total != 2 || len(listing.Entries) != 2 {
		t.Fatalf("Total = %d, entries = %d, want 2", listing.Total, len(listing.Entries))
	}
	if !listing.Entries[0].IsDir || listing.Entries[0].Name != "sub" {
		t.Errorf("Entries[0] = %+v, want directory sub first", listing.Entries[0])
	}
	if listing.Entries[1].Size != 2048 || listing.Entries[1].Human != "2.0 KiB" {
		t.Errorf("Entries[1] = %+v, want 2048 bytes", listing.Entries[1])
	}
	if listing.Entries[1].Location != "/docs/a.bin" {
		t.Errorf("Location = %q, want /docs/a.bin", listing.Entries[1].Location)
	}
}

func TestDirProvider_Errors(t *testing.T) {
	root := newTestRoot(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p, err := NewDirProvider(root)
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}

	tests := []struct {
		path string
		want error
		code int
	}{
		{"missing.txt", ErrNotFound, http.StatusNotFound},
		{"../etc/passwd", ErrForbidden, http.StatusForbidden},
		{"docs/../../x", ErrForbidden, http.StatusForbidden},
		{"escape", ErrForbidden, http.StatusForbidden},
		{"bad\x00name", ErrBadPath, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.path), func(t *testing.T) {
			_, err := p.Open(context.Background(), tt.path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open() error = %v, want %v", err, tt.want)
			}
			if code, _ := Status(err); code != tt.code {
				t.Errorf("Status() = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestDirProvider_CancelledContext(t *testing.T) {
	p, err := NewDirProvider(newTestRoot(t))
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Open(ctx, "hello.txt"); !errors.Is(err, context.Canceled) {
		t.Errorf("Open() error = %v, want context.Canceled", err)
	}
}

func TestNewDirProvider_NotDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDirProvider(file); err == nil {
		t.Error("NewDirProvider() should fail for a regular file")
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"a/b", "/a/b"},
		{"/a//b/./c", "/a/b/c"},
		{"café.txt", "/café.txt"},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.input)
		if err != nil {
			t.Errorf("CleanPath(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider()
	if err := p.Set("greeting", []byte("hi there")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	res, err := p.Open(context.Background(), "/greeting")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := readAll(t, res); string(got) != "hi there" {
		t.Errorf("content = %q, want %q", got, "hi there")
	}
	if err := res.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if _, err := p.Open(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(nope) error = %v, want ErrNotFound", err)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&StatusError{Code: 418, Message: "teapot"}, 418},
		{fmt.Errorf("wrapped: %w", ErrNotFound), 404},
		{protocol.ErrRangeNotSatisfiable, 416},
		{errors.New("disk on fire"), 500},
	}
	for _, tt := range tests {
		if code, _ := Status(tt.err); code != tt.code {
			t.Errorf("Status(%v) = %d, want %d", tt.err, code, tt.code)
		}
	}
}

func TestThrottle_Unlimited(t *testing.T) {
	r := bytes.NewReader([]byte("data"))
	if Throttle(context.Background(), r, 0) != r {
		t.Error("Throttle() with zero rate should return the reader unchanged")
	}
}

func TestThrottle_Limits(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 48*1024)
	start := time.Now()

	// 32KiB burst then 16KiB at 32KiB/s
	got, err := io.ReadAll(Throttle(context.Background(), bytes.NewReader(data), 32*1024))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("elapsed = %v, want throttling", elapsed)
	}
}

func TestThrottle_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := make([]byte, 10)
	if _, err := Throttle(ctx, bytes.NewReader(buf), 100).Read(buf); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
}
