package consent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/audited"
	"github.com/ehr/ledger/internal/ledger"
)

func newTestServer() (*echo.Echo, *ledger.MemoryLedger) {
	mem := ledger.NewMemoryLedger()
	trail := audit.NewTrail(mem, zerolog.Nop())
	runner := audited.NewRunner(trail, zerolog.Nop())
	registry := NewRegistry(mem, zerolog.Nop())

	e := echo.New()
	g := e.Group("")
	NewHandler(registry, runner).RegisterRoutes(g, g)
	return e, mem
}

func postJSON(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func grantBody() string {
	return `{"subjectId":"p-42","principalId":"dr-smith","principalLabel":"Dr. Smith","dataTypes":["LAB_RESULTS"],"purpose":"Treatment"}`
}

func TestGrantEndpoint(t *testing.T) {
	e, _ := newTestServer()

	rec := postJSON(e, "/consent/grant", grantBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			ConsentID string `json:"consentId"`
			Status    string `json:"status"`
			IssuedBy  string `json:"issuedBy"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Message != "Consent granted successfully" {
		t.Errorf("unexpected envelope %+v", resp)
	}
	if resp.Data.Status != "ACTIVE" {
		t.Errorf("expected ACTIVE, got %s", resp.Data.Status)
	}
	if !strings.HasPrefix(resp.Data.ConsentID, "CONSENT_p-42_dr-smith_") {
		t.Errorf("unexpected consent id %s", resp.Data.ConsentID)
	}
	// No authenticated principal: issuer falls back to system
	if resp.Data.IssuedBy != "system" {
		t.Errorf("expected system issuer, got %s", resp.Data.IssuedBy)
	}
}

func TestGrantEndpoint_Validation(t *testing.T) {
	e, _ := newTestServer()

	rec := postJSON(e, "/consent/grant", `{"subjectId":"p-42"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp.Error, "principalId") {
		t.Errorf("expected field in error message, got %q", resp.Error)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	e, _ := newTestServer()

	rec := postJSON(e, "/consent/grant", grantBody())
	var created struct {
		Data struct {
			ConsentID string `json:"consentId"`
		} `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = postJSON(e, "/consent/"+created.Data.ConsentID+"/revoke", `{"reason":"care ended"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			Status           string `json:"status"`
			RevocationReason string `json:"revocationReason"`
		} `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.Status != "REVOKED" || resp.Data.RevocationReason != "care ended" {
		t.Errorf("unexpected revocation %+v", resp.Data)
	}

	// Second revoke conflicts
	rec = postJSON(e, "/consent/"+created.Data.ConsentID+"/revoke", `{}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on double revoke, got %d", rec.Code)
	}
}

func TestRevokeEndpoint_NotFound(t *testing.T) {
	e, _ := newTestServer()

	rec := postJSON(e, "/consent/CONSENT_missing/revoke", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCheckEndpoint(t *testing.T) {
	e, _ := newTestServer()
	postJSON(e, "/consent/grant", grantBody())

	req := httptest.NewRequest(http.MethodGet,
		"/consent/check?subjectId=p-42&principalId=dr-smith&dataType=LAB_RESULTS", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data struct {
			HasConsent     bool `json:"hasConsent"`
			MatchingGrants []struct {
				ConsentID string `json:"consentId"`
			} `json:"matchingGrants"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.HasConsent || len(resp.Data.MatchingGrants) != 1 {
		t.Errorf("unexpected decision %+v", resp.Data)
	}
}

func TestCheckEndpoint_RequiresParams(t *testing.T) {
	e, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/consent/check?subjectId=p-42", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCheckEndpoint_DeniesWhenLedgerDown(t *testing.T) {
	e, mem := newTestServer()
	postJSON(e, "/consent/grant", grantBody())
	mem.SetAvailable(false)

	req := httptest.NewRequest(http.MethodGet,
		"/consent/check?subjectId=p-42&principalId=dr-smith&dataType=LAB_RESULTS", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data struct {
			HasConsent bool `json:"hasConsent"`
		} `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Data.HasConsent {
		t.Error("expected denial while ledger is down")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	e, _ := newTestServer()
	postJSON(e, "/consent/grant", grantBody())

	req := httptest.NewRequest(http.MethodGet, "/consent/history/p-42", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Success bool            `json:"success"`
		Count   *int            `json:"count"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("expected count 1, got %v", resp.Count)
	}
}

func TestProviderEndpoint(t *testing.T) {
	e, _ := newTestServer()
	postJSON(e, "/consent/grant", grantBody())

	req := httptest.NewRequest(http.MethodGet, "/consent/provider/dr-smith", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count *int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("expected count 1, got %v", resp.Count)
	}
}
