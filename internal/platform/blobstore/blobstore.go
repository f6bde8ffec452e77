// Package blobstore holds the externally stored file bytes the integrity
// verifier anchors and checks. It defines the BlobStore interface, an
// in-memory implementation used in development and tests, and the HTTP
// handlers for upload and download. The ledger core never trusts stored
// bytes: every download is verified against the anchored digest first, and
// a detected mismatch blocks the response.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/audited"
	"github.com/ehr/ledger/internal/integrity"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/pkg/envelope"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   string    `json:"patient_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// BlobStore is the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) ([]byte, *BlobMetadata, error)
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if n > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.Size = n
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: buf.Bytes()}
	s.mu.Unlock()

	m := meta
	return &m, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) ([]byte, *BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	m := b.metadata
	content := make([]byte, len(b.content))
	copy(content, b.content)
	return content, &m, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	m := b.metadata
	return &m, nil
}

// Tamper replaces stored content without touching the anchor. Test hook for
// exercising the integrity-blocked download path.
func (s *InMemoryBlobStore) Tamper(id string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[id]; ok {
		b.content = content
	}
}

// Handler serves file upload/download gated by integrity verification.
type Handler struct {
	store    BlobStore
	verifier *integrity.Verifier
	runner   *audited.Runner
}

func NewHandler(store BlobStore, verifier *integrity.Verifier, runner *audited.Runner) *Handler {
	return &Handler{store: store, verifier: verifier, runner: runner}
}

func (h *Handler) RegisterRoutes(read, write *echo.Group) {
	write.POST("/files", h.Upload)
	read.GET("/files/:id", h.Download)
	read.GET("/files/:id/verify", h.Verify)
}

// Upload stores the file, anchors its digest on the ledger, and audits the
// creation. A ledger outage does not fail the upload; the anchor is simply
// absent until the file is re-anchored.
func (h *Handler) Upload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return envelope.Error(c, http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if fileHeader.Size > MaxFileSize {
		return envelope.Error(c, http.StatusRequestEntityTooLarge, ErrFileTooLarge.Error())
	}

	src, err := fileHeader.Open()
	if err != nil {
		return envelope.Error(c, http.StatusBadRequest, "cannot read uploaded file")
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, MaxFileSize+1))
	if err != nil {
		return envelope.Error(c, http.StatusBadRequest, "cannot read uploaded file")
	}
	if int64(len(content)) > MaxFileSize {
		return envelope.Error(c, http.StatusRequestEntityTooLarge, ErrFileTooLarge.Error())
	}

	principal := auth.PrincipalID(c)
	meta := BlobMetadata{
		ID:          uuid.NewString(),
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		PatientID:   c.FormValue("patientId"),
		CreatedBy:   principal,
	}

	ctx := c.Request().Context()
	stored, err := audited.Do(ctx, h.runner, audit.EventInput{
		PrincipalID:  principal,
		Action:       audit.ActionCreate,
		ResourceType: "file",
		ResourceID:   meta.ID,
	}, func(ctx context.Context) (*BlobMetadata, error) {
		return h.store.Upload(ctx, meta, bytes.NewReader(content))
	})
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return envelope.Error(c, http.StatusRequestEntityTooLarge, err.Error())
		}
		return envelope.Error(c, http.StatusInternalServerError, "failed to store file")
	}

	anchor := h.verifier.Anchor(ctx, "file:"+stored.ID, content, principal)

	return envelope.OK(c, http.StatusCreated, map[string]interface{}{
		"file":   stored,
		"anchor": anchor,
	})
}

// Download verifies the stored bytes against the anchored digest before
// serving them. A TAMPERED outcome blocks the download and is reported as a
// security event; INDETERMINATE outcomes (ledger down, no anchor) are
// advisory: the file is served with a warning header, never mislabeled as
// tampering.
func (h *Handler) Download(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	content, meta, err := h.store.Download(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return envelope.Error(c, http.StatusNotFound, "file not found")
		}
		return envelope.Error(c, http.StatusInternalServerError, "failed to read file")
	}

	result := h.verifier.Verify(ctx, "file:"+id, content)
	if result.Blocking() {
		return envelope.Error(c, http.StatusConflict,
			"file integrity check failed: content does not match the anchored digest")
	}
	if result.Outcome == integrity.OutcomeIndeterminate {
		c.Response().Header().Set("X-Integrity-Status", string(result.Outcome))
	}

	if err := h.runner.Run(ctx, audit.EventInput{
		PrincipalID:  auth.PrincipalID(c),
		Action:       audit.ActionDownload,
		ResourceType: "file",
		ResourceID:   id,
	}, func(context.Context) error { return nil }); err != nil {
		return envelope.Error(c, http.StatusInternalServerError, "failed to record download")
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.FileName))
	return c.Blob(http.StatusOK, contentType, content)
}

// Verify reports the integrity result for a stored file without serving it.
func (h *Handler) Verify(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	content, _, err := h.store.Download(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return envelope.Error(c, http.StatusNotFound, "file not found")
		}
		return envelope.Error(c, http.StatusInternalServerError, "failed to read file")
	}

	result := h.verifier.Verify(ctx, "file:"+id, content)
	return envelope.OK(c, http.StatusOK, result)
}
