package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/ehr/clinic/internal/platform/blobstore"
)

// ErrSourceMissing is returned by a Source when the named file does not exist.
var ErrSourceMissing = errors.New("catalog file does not exist")

// Source is where catalog files live: a local directory or an object store.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Write(ctx context.Context, name string, data []byte) error
	Describe(name string) string
}

// FileSource reads and writes catalog files in a local directory.
type FileSource struct {
	Dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

func (s *FileSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, s.Describe(name))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Describe(name), err)
	}
	return f, nil
}

// Write replaces the file atomically: the data goes to a temp file in the
// same directory which is then renamed over the target.
func (s *FileSource) Write(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.Dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.Describe(name), err)
	}
	return nil
}

func (s *FileSource) Describe(name string) string {
	return filepath.Join(s.Dir, name)
}

// BlobSource keeps catalog files in a blob store under Prefix.
type BlobSource struct {
	Store  blobstore.Store
	Prefix string
}

func NewBlobSource(store blobstore.Store, prefix string) *BlobSource {
	return &BlobSource{Store: store, Prefix: prefix}
}

func (s *BlobSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := s.Store.Get(ctx, s.key(name))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, s.Describe(name))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.Describe(name), err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BlobSource) Write(ctx context.Context, name string, data []byte) error {
	if err := s.Store.Put(ctx, s.key(name), data, "text/csv"); err != nil {
		return fmt.Errorf("store %s: %w", s.Describe(name), err)
	}
	return nil
}

func (s *BlobSource) Describe(name string) string {
	return "blob:" + s.key(name)
}

func (s *BlobSource) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}
