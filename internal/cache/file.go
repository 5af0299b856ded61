package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/l0p7/contractcache/internal/fsutil"
)

const entrySuffix = ".json"

type fileBackend struct {
	dir string
}

// NewFile stores one <key>.json file per entry under dir, creating it when
// missing. Writes go through a temp file and an atomic rename.
func NewFile(dir string) (Backend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache: file backend directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) Name() string { return "file" }

func (b *fileBackend) path(key string) string {
	return filepath.Join(b.dir, key+entrySuffix)
}

func (b *fileBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: read file: %w", err)
	}
	return data, nil
}

func (b *fileBackend) Write(_ context.Context, key string, data []byte) error {
	return fsutil.WriteFileAtomic(b.path(key), data, 0o644)
}

func (b *fileBackend) Delete(_ context.Context, key string) (bool, error) {
	if err := os.Remove(b.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("cache: remove file: %w", err)
	}
	return true, nil
}

func (b *fileBackend) Size(_ context.Context) (int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: list dir: %w", err)
	}
	var n int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasSuffix(name, entrySuffix) && !strings.HasPrefix(name, ".") {
			n++
		}
	}
	return n, nil
}

func (b *fileBackend) Close(context.Context) error { return nil }
