// Package fs implements a file:// Store rooted at a configurable local
// directory. It serves local development and tests; its compare-and-swap
// put is atomic only within a single process.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"go.pagevault.dev/kernel/stores"
)

// StoreRoot is the filesystem path which roots object paths of a file://
// store. It must be set at program startup prior to use.
var StoreRoot = "/dev/null/must/configure/file/store/root"

// casMu serializes PutConditional sequences within the process.
var casMu sync.Mutex

type store struct {
	prefix string
}

// New creates a new filesystem Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var s = &store{prefix: ep.Path}
	return s, parseStoreArgs(ep, &struct{}{})
}

func (s *store) Provider() string { return "fs" }

func (s *store) fsPath(path string) string {
	return filepath.Join(StoreRoot, filepath.FromSlash(s.prefix), filepath.FromSlash(path))
}

func (s *store) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(s.fsPath(path)); os.IsNotExist(err) {
		return false, nil
	} else if err == nil {
		return true, nil
	} else {
		return false, err
	}
}

func (s *store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	var f, err = os.Open(s.fsPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	}
	return f, err
}

func (s *store) GetRange(_ context.Context, path string, off, length int64) (io.ReadCloser, error) {
	var f, err = os.Open(s.fsPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, off, length),
		f:             f,
	}, nil
}

func (s *store) GetIfChanged(ctx context.Context, path, etag string) (io.ReadCloser, string, error) {
	var cur, err = s.etag(path)
	if err != nil {
		return nil, "", err
	}
	if etag != "" && etag == cur {
		return nil, cur, stores.ErrNotModified
	}
	var rc io.ReadCloser
	if rc, err = s.Get(ctx, path); err != nil {
		return nil, "", err
	}
	return rc, cur, nil
}

// etag derives an etag from the file's size and modification time.
func (s *store) etag(path string) (string, error) {
	var fi, err = os.Stat(s.fsPath(path))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", stores.ErrNotFound, path)
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x-%x", fi.Size(), fi.ModTime().UnixNano()), nil
}

func (s *store) PutIfAbsent(_ context.Context, path string, content io.ReaderAt, contentLength int64) error {
	var fsPath = s.fsPath(path)

	var tmp, err = s.writeTemp(fsPath, content, contentLength)
	if err != nil {
		return err
	}
	defer removeTemp(tmp)

	// Link is atomic and fails if the target exists, giving write-once
	// semantics without a read-check race.
	if err = os.Link(tmp, fsPath); os.IsExist(err) {
		return fmt.Errorf("%w: %s", stores.ErrExists, path)
	}
	return err
}

func (s *store) PutConditional(ctx context.Context, path string, content io.ReaderAt, contentLength int64, etag string) (string, error) {
	casMu.Lock()
	defer casMu.Unlock()

	var cur, err = s.etag(path)
	if errors.Is(err, stores.ErrNotFound) {
		cur = ""
	} else if err != nil {
		return "", err
	}
	if etag != cur {
		return "", fmt.Errorf("%w: %s", stores.ErrPreconditionFailed, path)
	}

	var fsPath = s.fsPath(path)
	tmp, err := s.writeTemp(fsPath, content, contentLength)
	if err != nil {
		return "", err
	}
	defer removeTemp(tmp)

	if err = os.Rename(tmp, fsPath); err != nil {
		return "", err
	}
	return s.etag(path)
}

func (s *store) writeTemp(fsPath string, content io.ReaderAt, contentLength int64) (string, error) {
	if err := os.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return "", err
	}
	var f, err = os.CreateTemp(filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		removeTemp(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeTemp(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"err": err, "path": name}).
			Warn("failed to cleanup temp file")
	}
}

func (s *store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var dir = s.fsPath(prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir,
		func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			} else if info.IsDir() {
				return nil // Descend into directory.
			} else if strings.HasPrefix(info.Name(), ".partial-") {
				return nil
			}
			relPath, err := filepath.Rel(dir, name)
			if err != nil {
				return err
			}
			return callback(filepath.ToSlash(relPath), info.ModTime())
		})
}

func (s *store) Remove(_ context.Context, path string) error {
	return os.Remove(s.fsPath(path))
}

func (s *store) IsAuthError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (r *sectionReadCloser) Close() error { return r.f.Close() }

func parseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
