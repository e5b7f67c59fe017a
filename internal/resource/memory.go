package resource

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryProvider serves in-memory documents keyed by cleaned path.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string]memoryFile
}

type memoryFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{files: make(map[string]memoryFile)}
}

// Set stores data under reqPath, replacing any previous content.
func (p *MemoryProvider) Set(reqPath string, data []byte) error {
	clean, err := CleanPath(reqPath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.files[clean] = memoryFile{data: append([]byte(nil), data...), modTime: time.Now()}
	p.mu.Unlock()
	return nil
}

// Open returns the document stored under reqPath.
func (p *MemoryProvider) Open(ctx context.Context, reqPath string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := CleanPath(reqPath)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	f, ok := p.files[clean]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return NewResource(clean, int64(len(f.data)), f.modTime, bytes.NewReader(f.data), nil), nil
}
