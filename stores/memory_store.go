package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for testing.
type MemoryStore struct {
	Content  map[string][]byte
	ModTimes map[string]time.Time
	etags    map[string]int64
	rev      int64
	mu       sync.RWMutex

	// PutErr, if set, is returned by all conditional puts. Tests use it to
	// inject remote write failures.
	PutErr error
}

// NewMemoryStore returns an empty MemoryStore.
// The URL argument is accepted for Constructor compatibility and ignored.
func NewMemoryStore(_ *url.URL) (Store, error) {
	return &MemoryStore{
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
		etags:    make(map[string]int64),
	}, nil
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, exists = m.Content[path]
	return exists, nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) GetRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if off > int64(len(content)) {
		off = int64(len(content))
	}
	var end = off + length
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return io.NopCloser(bytes.NewReader(content[off:end])), nil
}

func (m *MemoryStore) GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	var cur = fmt.Sprintf("%d", m.etags[path])
	if etag != "" && etag == cur {
		return nil, cur, ErrNotModified
	}
	return io.NopCloser(bytes.NewReader(content)), cur, nil
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var buf, err = readAll(content, contentLength)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return m.PutErr
	}
	if _, exists := m.Content[path]; exists {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	m.store(path, buf)
	return nil
}

func (m *MemoryStore) PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error) {
	var buf, err = readAll(content, contentLength)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return "", m.PutErr
	}
	var _, exists = m.Content[path]
	if etag == "" && exists {
		return "", fmt.Errorf("%w: %s exists", ErrPreconditionFailed, path)
	}
	if etag != "" && (!exists || etag != fmt.Sprintf("%d", m.etags[path])) {
		return "", fmt.Errorf("%w: %s", ErrPreconditionFailed, path)
	}
	m.store(path, buf)
	return fmt.Sprintf("%d", m.etags[path]), nil
}

func (m *MemoryStore) store(path string, content []byte) {
	m.rev++
	m.Content[path] = content
	m.ModTimes[path] = time.Now()
	m.etags[path] = m.rev
}

func (m *MemoryStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for fullPath := range m.Content {
		if !strings.HasPrefix(fullPath, prefix) {
			continue
		}
		if err := callback(strings.TrimPrefix(fullPath, prefix), m.ModTimes[fullPath]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Content, path)
	delete(m.ModTimes, path)
	delete(m.etags, path)
	return nil
}

func (m *MemoryStore) IsAuthError(err error) bool { return false }

func readAll(content io.ReaderAt, contentLength int64) ([]byte, error) {
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return buf, nil
}
