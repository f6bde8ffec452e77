package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/audited"
	"github.com/ehr/ledger/internal/integrity"
	"github.com/ehr/ledger/internal/ledger"
)

type fixture struct {
	e     *echo.Echo
	store *InMemoryBlobStore
	mem   *ledger.MemoryLedger
	trail *audit.Trail
}

func newFixture() *fixture {
	mem := ledger.NewMemoryLedger()
	trail := audit.NewTrail(mem, zerolog.Nop())
	runner := audited.NewRunner(trail, zerolog.Nop())
	verifier := integrity.NewVerifier(mem, trail, zerolog.Nop())
	store := NewInMemoryBlobStore()

	e := echo.New()
	g := e.Group("")
	NewHandler(store, verifier, runner).RegisterRoutes(g, g)
	return &fixture{e: e, store: store, mem: mem, trail: trail}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(content)
	w.Close()
	return &buf, w.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, content []byte) string {
	t.Helper()
	body, contentType := multipartBody(t, "report.pdf", content)
	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			File struct {
				ID string `json:"id"`
			} `json:"file"`
			Anchor *struct {
				DigestHex string `json:"digestHex"`
			} `json:"anchor"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if resp.Data.File.ID == "" {
		t.Fatal("expected file id in response")
	}
	return resp.Data.File.ID
}

func TestUpload_AnchorsDigest(t *testing.T) {
	f := newFixture()
	content := []byte("radiology report")

	body, contentType := multipartBody(t, "report.pdf", content)
	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			File struct {
				ID       string `json:"id"`
				FileName string `json:"file_name"`
				Size     int64  `json:"size"`
			} `json:"file"`
			Anchor *struct {
				DigestHex string `json:"digestHex"`
				Algorithm string `json:"algorithm"`
			} `json:"anchor"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Error("expected success envelope")
	}
	if resp.Data.File.FileName != "report.pdf" || resp.Data.File.Size != int64(len(content)) {
		t.Errorf("unexpected metadata %+v", resp.Data.File)
	}
	if resp.Data.Anchor == nil {
		t.Fatal("expected anchor in response")
	}
	if resp.Data.Anchor.DigestHex != integrity.Digest(content) {
		t.Errorf("anchored digest does not match content")
	}
}

func TestUpload_RequiresFileField(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/files", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDownload_ServesVerifiedContent(t *testing.T) {
	f := newFixture()
	content := []byte("lab results")
	id := f.upload(t, content)

	req := httptest.NewRequest(http.MethodGet, "/files/"+id, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("served bytes differ from uploaded content")
	}
	if rec.Header().Get("X-Integrity-Status") != "" {
		t.Error("verified download must not carry a warning header")
	}
}

func TestDownload_BlocksTamperedContent(t *testing.T) {
	f := newFixture()
	id := f.upload(t, []byte("original content"))

	f.store.Tamper(id, []byte("altered content"))

	req := httptest.NewRequest(http.MethodGet, "/files/"+id, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for tampered content, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("altered content")) {
		t.Error("tampered bytes must not be served")
	}
}

func TestDownload_ServesWithWarningWhenLedgerDown(t *testing.T) {
	f := newFixture()
	content := []byte("contents")
	id := f.upload(t, content)

	f.mem.SetAvailable(false)

	req := httptest.NewRequest(http.MethodGet, "/files/"+id, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ledger outage must not block downloads, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Integrity-Status"); got != string(integrity.OutcomeIndeterminate) {
		t.Errorf("expected INDETERMINATE warning header, got %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("served bytes differ from uploaded content")
	}
}

func TestDownload_NotFound(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/files/nope", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture()
	id := f.upload(t, []byte("verify me"))

	req := httptest.NewRequest(http.MethodGet, "/files/"+id+"/verify", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data struct {
			Outcome  string `json:"outcome"`
			Verified bool   `json:"verified"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Outcome != string(integrity.OutcomeVerified) || !resp.Data.Verified {
		t.Errorf("expected VERIFIED, got %+v", resp.Data)
	}

	f.store.Tamper(id, []byte("altered"))
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+id+"/verify", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Outcome != string(integrity.OutcomeTampered) {
		t.Errorf("expected TAMPERED, got %s", resp.Data.Outcome)
	}
}

func TestInMemoryBlobStore_Roundtrip(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	meta, err := store.Upload(ctx, BlobMetadata{FileName: "a.txt"}, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.ID == "" || meta.Size != 5 {
		t.Errorf("unexpected metadata %+v", meta)
	}

	content, got, err := store.Download(ctx, meta.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(content) != "hello" || got.FileName != "a.txt" {
		t.Errorf("unexpected roundtrip result %q %+v", content, got)
	}

	if _, _, err := store.Download(ctx, "missing"); err != ErrBlobNotFound {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
