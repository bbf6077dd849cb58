// Package content resolves quiz content references to local files.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	logx "timerquiz/pkg/logx"
)

var ErrNotFound = errors.New("content not found")

// Source opens the raw bytes behind a content reference.
type Source interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Fetcher makes content available as a local file until released.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (string, error)
	Release(ref string) error
}

// Cache keeps fetched content in a directory. Concurrent fetches of the
// same ref share one download, and the local copy lives until every
// Fetch has been matched by a Release.
type Cache struct {
	dir string
	src Source
	log logx.Logger

	sf singleflight.Group

	mu    sync.Mutex
	local map[string]*localCopy
}

type localCopy struct {
	path string
	refs int
}

func NewCache(dir string, src Source, log logx.Logger) (*Cache, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "timerquiz-content")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{dir: dir, src: src, log: log, local: map[string]*localCopy{}}, nil
}

func (c *Cache) pathFor(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+".json")
}

// fetchAttempts bounds retries when the last holder releases the file
// between download and acquire.
const fetchAttempts = 3

func (c *Cache) Fetch(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty ref", ErrNotFound)
	}
	for range fetchAttempts {
		if path, ok := c.acquire(ref); ok {
			return path, nil
		}
		_, err, _ := c.sf.Do(ref, func() (any, error) {
			return nil, c.ensure(ctx, ref)
		})
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("content %s released while fetching", ref)
}

// acquire takes a reference on the local copy if it is on disk. The stat
// runs under the lock so Release cannot remove the file in between.
func (c *Cache) acquire(ref string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lc, ok := c.local[ref]; ok {
		lc.refs++
		return lc.path, true
	}
	path := c.pathFor(ref)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	c.local[ref] = &localCopy{path: path, refs: 1}
	return path, true
}

func (c *Cache) ensure(ctx context.Context, ref string) error {
	path := c.pathFor(ref)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := c.download(ctx, ref, path); err != nil {
		return err
	}
	c.log.Debug("content fetched", logx.String("ref", ref), logx.String("path", path))
	return nil
}

func (c *Cache) download(ctx context.Context, ref, path string) error {
	rc, err := c.src.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("open %s: %w", ref, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.dir, ".fetch-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Release drops one reference and deletes the local copy when it was the
// last. Releasing an unknown ref is a no-op.
func (c *Cache) Release(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.local[ref]
	if !ok {
		return nil
	}
	if lc.refs--; lc.refs > 0 {
		return nil
	}
	delete(c.local, ref)
	if err := os.Remove(lc.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DirSource serves content from a local library directory. Refs are
// file names relative to Root.
type DirSource struct {
	Root string
}

func (d DirSource) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	if !filepath.IsLocal(ref) {
		return nil, fmt.Errorf("%w: %q is not a local path", ErrNotFound, ref)
	}
	f, err := os.Open(filepath.Join(d.Root, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return f, err
}
