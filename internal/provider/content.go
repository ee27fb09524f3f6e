package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ContentStore resolves body and attachment references to byte streams.
// The engine never persists these bytes; the rendering and attachment
// services own them.
type ContentStore interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FileContentStore serves references as paths under a base directory.
type FileContentStore struct {
	base string
}

func NewFileContentStore(base string) *FileContentStore {
	return &FileContentStore{base: base}
}

func (s *FileContentStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	clean := filepath.Clean("/" + ref)
	path := filepath.Join(s.base, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.base)+string(os.PathSeparator)) && path != filepath.Clean(s.base) {
		return nil, fmt.Errorf("content ref escapes base directory: %s", ref)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open content %s: %w", ref, err)
	}
	return f, nil
}

func readAll(ctx context.Context, store ContentStore, ref string) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	rc, err := store.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
