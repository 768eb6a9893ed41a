package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/vohiienko/ragconvert/internal/billing"
	"github.com/vohiienko/ragconvert/internal/config"
	"github.com/vohiienko/ragconvert/internal/convert"
	"github.com/vohiienko/ragconvert/internal/gateway"
	"github.com/vohiienko/ragconvert/internal/quota"
	"github.com/vohiienko/ragconvert/internal/store"
	"github.com/vohiienko/ragconvert/internal/webhook"
)

const (
	testAdminKey      = "test-admin-key"
	testWebhookSecret = "test-webhook-secret"
)

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		FreeTierLimit:   3,
		TrialTierLimit:  25,
		PaidTierLimit:   -1,
		WebhookProvider: config.ProviderWayForPay,
		WebhookSecret:   testWebhookSecret,
		GracePeriod:     14 * 24 * time.Hour,
		ConvertTimeout:  5 * time.Second,
		MaxUploadBytes:  1 << 20,
		MaxTextChars:    500_000,
		MaxChunks:       5000,
		ChunkSize:       1000,
		ChunkOverlap:    200,
		MaxConcurrent:   2,
		AdminKey:        testAdminKey,
	}

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ledger := quota.NewLedger(st)
	machine := billing.NewStateMachine(st, billing.Limits{
		Free:  cfg.FreeTierLimit,
		Trial: cfg.TrialTierLimit,
		Paid:  cfg.PaidTierLimit,
	})
	converter := convert.New(convert.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MaxTextChars: cfg.MaxTextChars,
		MaxChunks:    cfg.MaxChunks,
	})
	gw := gateway.New(ledger, machine, converter, st, cfg.ConvertTimeout, cfg.MaxConcurrent)
	wh := webhook.NewHandler(webhook.NewWayForPayVerifier(cfg.WebhookSecret), machine, st)

	router := NewRouter(cfg, st, ledger, machine, gw, wh)
	t.Cleanup(router.Stop)
	return router, st
}

func createAccountViaAPI(t *testing.T, router *Router, email string) (accountID, apiKey string) {
	t.Helper()
	body := fmt.Sprintf(`{"email": %q}`, email)
	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", strings.NewReader(body))
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp createAccountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.APIKey == "" {
		t.Fatal("expected API key in creation response")
	}
	return resp.Account.ID, resp.APIKey
}

func convertText(router *Router, apiKey, text string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader(text))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// newMultipartFile writes a single-file multipart body into buf and returns
// the Content-Type header value.
func newMultipartFile(t *testing.T, buf *bytes.Buffer, filename, contentType, content string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create multipart part: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write multipart part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return mw.FormDataContentType()
}

func TestCreateAccountRequiresAdminKey(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", strings.NewReader(`{"email":"x@example.com"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/accounts", strings.NewReader(`{"email":"x@example.com"}`))
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateAccountRejectsDuplicateEmail(t *testing.T) {
	router, _ := newTestRouter(t)
	createAccountViaAPI(t, router, "dup@example.com")

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", strings.NewReader(`{"email":"dup@example.com"}`))
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestConvertRequiresAPIKey(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := convertText(router, "rc.a_0000000000.deadbeef", "hello")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader("hello"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", rec.Code)
	}
}

func TestConvertFreeTierFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	_, apiKey := createAccountViaAPI(t, router, "free@example.com")

	for i := 0; i < 3; i++ {
		rec := convertText(router, apiKey, "Some document text to convert.")
		if rec.Code != http.StatusOK {
			t.Fatalf("conversion %d: status = %d: %s", i, rec.Code, rec.Body.String())
		}
		var resp convertResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.ChunkCount != 1 {
			t.Errorf("conversion %d: chunk_count = %d, want 1", i, resp.ChunkCount)
		}
		if want := 2 - i; resp.Remaining != want {
			t.Errorf("conversion %d: remaining = %d, want %d", i, resp.Remaining, want)
		}
	}

	rec := convertText(router, apiKey, "One more.")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth conversion: status = %d, want 429", rec.Code)
	}
}

func TestWebhookUpgradeUnlocksConversions(t *testing.T) {
	router, _ := newTestRouter(t)
	accountID, apiKey := createAccountViaAPI(t, router, "payer@example.com")

	for i := 0; i < 3; i++ {
		if rec := convertText(router, apiKey, "text"); rec.Code != http.StatusOK {
			t.Fatalf("conversion %d: status = %d", i, rec.Code)
		}
	}
	if rec := convertText(router, apiKey, "text"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 at free limit, got %d", rec.Code)
	}

	body, _ := json.Marshal(webhook.Payload{
		EventID:          "evt_upgrade",
		EventType:        "checkout_completed",
		SubscriptionID:   "sub_1",
		AccountReference: accountID,
		OccurredAt:       time.Now().UTC().Format(time.RFC3339),
		Sequence:         1,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(webhook.HeaderMerchantSignature, webhook.SignBody(body, testWebhookSecret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: status = %d: %s", rec.Code, rec.Body.String())
	}

	for i := 0; i < 5; i++ {
		if rec := convertText(router, apiKey, "text"); rec.Code != http.StatusOK {
			t.Fatalf("post-upgrade conversion %d: status = %d", i, rec.Code)
		}
	}
}

func TestConvertMultipartUpload(t *testing.T) {
	router, _ := newTestRouter(t)
	_, apiKey := createAccountViaAPI(t, router, "upload@example.com")

	var buf bytes.Buffer
	mw := newMultipartFile(t, &buf, "report.md", "text/markdown", "# Title\n\nBody text.")

	req := httptest.NewRequest(http.MethodPost, "/api/convert", &buf)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp convertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Filename != "report.md" {
		t.Errorf("filename = %q, want report.md", resp.Filename)
	}
}

func TestConvertUnsupportedFormat(t *testing.T) {
	router, _ := newTestRouter(t)
	_, apiKey := createAccountViaAPI(t, router, "gif@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader("GIF89a"))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "image/gif")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	accountID, apiKey := createAccountViaAPI(t, router, "usage@example.com")

	if rec := convertText(router, apiKey, "text"); rec.Code != http.StatusOK {
		t.Fatalf("conversion: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp usageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccountID != accountID || resp.Used != 1 || resp.MaxUses != 3 || resp.Remaining != 2 {
		t.Errorf("unexpected usage: %+v", resp)
	}
	if resp.SubscriptionStatus != string(store.SubStatusNone) {
		t.Errorf("subscription_status = %q, want none", resp.SubscriptionStatus)
	}
}

func TestUsageReportCSV(t *testing.T) {
	router, _ := newTestRouter(t)
	_, apiKey := createAccountViaAPI(t, router, "report@example.com")

	if rec := convertText(router, apiKey, "text for the report"); rec.Code != http.StatusOK {
		t.Fatalf("conversion: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/usage/report?format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	if !strings.Contains(rec.Body.String(), "used,max_uses,period_start") {
		t.Errorf("csv missing header: %s", rec.Body.String())
	}
}

func TestUsageReportPDF(t *testing.T) {
	router, _ := newTestRouter(t)
	_, apiKey := createAccountViaAPI(t, router, "pdf@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/usage/report?format=pdf", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Error("response is not a PDF document")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMetricsRequiresAdminByDefault(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
}

func TestGenerateAPIKeyRoundTrip(t *testing.T) {
	key, hash, err := GenerateAPIKey("a_TESTACCT00")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "rc.a_TESTACCT00.") {
		t.Errorf("unexpected key format: %q", key)
	}
	if hash == key {
		t.Error("hash must not equal the plaintext key")
	}
}
