// Package blobstore stores catalog files and archived reports. It defines the
// Store interface, an in-memory implementation for tests and development, an
// S3-backed implementation, and Echo handlers for browsing stored objects.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("blob key is required")
)

// MaxFileSize is the maximum allowed blob size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

func validate(key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	if int64(len(data)) > MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if err := validate(key, data); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	content := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = &storedBlob{
		object: Object{
			Key:         key,
			ContentType: contentType,
			Size:        int64(len(content)),
			Hash:        fmt.Sprintf("%x", sum),
			UpdatedAt:   s.now().UTC(),
		},
		content: content,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), b.content...), nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	obj := b.object
	return &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// List returns objects whose key starts with prefix, ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, b.object)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

type listResponse struct {
	Data  []Object `json:"data"`
	Total int      `json:"total"`
}

// Handler exposes read access to one key prefix of a Store.
type Handler struct {
	store  Store
	prefix string
}

func NewHandler(store Store, prefix string) *Handler {
	return &Handler{store: store, prefix: prefix}
}

// RegisterRoutes mounts the archive routes on g. Keys in URLs are relative
// to the handler prefix.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/archive", h.handleList)
	g.GET("/archive/*", h.handleDownload)
}

func (h *Handler) handleList(c echo.Context) error {
	objs, err := h.store.List(c.Request().Context(), h.prefix+c.QueryParam("prefix"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if objs == nil {
		objs = []Object{}
	}
	return c.JSON(http.StatusOK, listResponse{Data: objs, Total: len(objs)})
}

func (h *Handler) handleDownload(c echo.Context) error {
	key := h.prefix + c.Param("*")
	ctx := c.Request().Context()
	obj, err := h.store.Stat(ctx, key)
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "object not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	data, err := h.store.Get(ctx, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	name := key[strings.LastIndex(key, "/")+1:]
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, contentType, data)
}
