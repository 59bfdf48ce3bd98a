package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/internal/invoices"
	"zapbot/internal/ledger"
	"zapbot/internal/matcher"
	"zapbot/internal/tenants"
)

type fakeInvoices struct {
	requested []int64
	current   *invoices.Record
}

func (f *fakeInvoices) RequestCredits(_ context.Context, npub string, amount int64) (*invoices.Record, error) {
	if amount <= 0 {
		return nil, invoices.ErrInvalidAmount
	}
	if f.current != nil {
		return f.current, invoices.ErrOutstandingInvoice
	}
	f.requested = append(f.requested, amount)
	f.current = &invoices.Record{Npub: npub, Amount: amount, PaymentRequest: "lnbc1test"}
	return f.current, nil
}

func (f *fakeInvoices) Outstanding() ([]invoices.Record, error) {
	if f.current == nil {
		return nil, nil
	}
	return []invoices.Record{*f.current}, nil
}

type fixture struct {
	router *gin.Engine
	store  *tenants.FileStore
	acct   *ledger.Accountant
	invs   *fakeInvoices
	npub   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pub, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("npub: %v", err)
	}

	f := &fixture{
		store: tenants.NewFileStore(t.TempDir(), nil),
		acct:  ledger.NewAccountant(ledger.NewFileStore(t.TempDir()), 0, nil),
		invs:  &fakeInvoices{},
		npub:  npub,
	}
	f.router = gin.New()
	New(f.store, f.acct, f.invs, []string{"wss://relay.example"}, nil).Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, _ := http.NewRequestWithContext(context.Background(), method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestEnableRejectsIncompleteConfig(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/tenants/"+f.npub+"/enable", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != tenants.ErrNoConditions.Error() {
		t.Fatalf("unexpected error %q", resp.Error)
	}

	cfg, _ := f.store.Load(context.Background(), f.npub)
	if cfg.Enabled {
		t.Fatalf("tenant should stay disabled")
	}
}

func TestEnableAndDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Update(ctx, f.npub, func(cfg *tenants.Config) error {
		cfg.Conditions = []matcher.Rule{{Amount: 10}}
		cfg.EventID = "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	w := f.do(t, http.MethodPost, "/tenants/"+f.npub+"/enable", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without funds, got %d", w.Code)
	}

	if _, err := f.acct.RecordEntry(ctx, f.npub, ledger.CreditsApplied, 10, 0, "Invoice paid. 10 credits have been applied to your account"); err != nil {
		t.Fatalf("record: %v", err)
	}
	w = f.do(t, http.MethodPost, "/tenants/"+f.npub+"/enable", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	cfg, _ := f.store.Load(ctx, f.npub)
	if !cfg.Enabled {
		t.Fatalf("tenant should be enabled")
	}

	w = f.do(t, http.MethodPost, "/tenants/"+f.npub+"/disable", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cfg, _ = f.store.Load(ctx, f.npub)
	if cfg.Enabled {
		t.Fatalf("tenant should be disabled")
	}
}

func TestStatusReportsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.acct.RecordEntry(ctx, f.npub, ledger.CreditsApplied, 25, 0, "credit"); err != nil {
		t.Fatalf("record: %v", err)
	}

	w := f.do(t, http.MethodGet, "/tenants/"+f.npub, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 25 || resp.Enabled || resp.Report == "" {
		t.Fatalf("unexpected status %+v", resp)
	}
}

func TestStatusRejectsBadNpub(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/tenants/npub1notreal", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRequestCredits(t *testing.T) {
	f := newFixture(t)
	path := "/tenants/" + f.npub + "/credits"

	if w := f.do(t, http.MethodPost, path, CreditRequest{Amount: -3}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, path, CreditRequest{Amount: 100}); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, path, CreditRequest{Amount: 50}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 with an outstanding invoice, got %d", w.Code)
	}
	if len(f.invs.requested) != 1 || f.invs.requested[0] != 100 {
		t.Fatalf("unexpected requests %v", f.invs.requested)
	}

	w := f.do(t, http.MethodGet, "/invoices", nil)
	var resp struct {
		Invoices []invoices.Record `json:"invoices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Invoices) != 1 || resp.Invoices[0].Amount != 100 {
		t.Fatalf("unexpected invoices %+v", resp.Invoices)
	}
}
