package invoices

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/internal/ledger"
	"zapbot/internal/lightning"
	"zapbot/internal/tenants"
	"zapbot/pkg/jsonfile"
)

type fakeLightning struct {
	created   int
	createErr error
	states    map[string]string
	lookupErr map[string]error
	onLookup  func(hash string)
}

func (f *fakeLightning) CreateInvoice(_ context.Context, amountSat int64, memo string, expiry time.Duration) (*lightning.Invoice, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &lightning.Invoice{
		RHash:          fmt.Sprintf("%043d=", f.created),
		PaymentRequest: "lnbc" + memo,
		AddIndex:       lightning.Int64(f.created),
	}, nil
}

func (f *fakeLightning) LookupInvoice(_ context.Context, hash string) (*lightning.InvoiceStatus, error) {
	if f.onLookup != nil {
		f.onLookup(hash)
	}
	if err := f.lookupErr[hash]; err != nil {
		return nil, err
	}
	return &lightning.InvoiceStatus{State: f.states[hash]}, nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMessenger) SendDirectMessage(_ context.Context, _ string, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
}

func (m *fakeMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

type fixture struct {
	svc     *Service
	ln      *fakeLightning
	dm      *fakeMessenger
	acct    *ledger.Accountant
	tenants *tenants.FileStore
	npub    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	pub, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("npub: %v", err)
	}
	f := &fixture{
		ln:      &fakeLightning{states: map[string]string{}, lookupErr: map[string]error{}},
		dm:      &fakeMessenger{},
		acct:    ledger.NewAccountant(ledger.NewFileStore(dir), 0, nil),
		tenants: tenants.NewFileStore(dir, nil),
		npub:    npub,
	}
	f.svc = NewService(f.ln, f.acct, f.tenants, f.dm, Options{DataDir: dir}, nil)
	return f
}

func TestRequestCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.RequestCredits(ctx, f.npub, 21000)
	if err != nil {
		t.Fatalf("RequestCredits: %v", err)
	}
	if rec.Memo != "Add 21000 credits to Zapping Bot for "+f.npub {
		t.Fatalf("unexpected memo %q", rec.Memo)
	}
	if rec.Expiry != 1800 || rec.ExpiryTime-rec.CreatedAt != 1800 {
		t.Fatalf("unexpected expiry %+v", rec)
	}
	if f.dm.last() != "Please fulfill the following invoice to credit the account\n\n"+rec.PaymentRequest {
		t.Fatalf("unexpected DM %q", f.dm.last())
	}

	cfg, _ := f.tenants.Load(ctx, f.npub)
	if cfg.CurrentInvoice == nil || cfg.CurrentInvoice.PaymentRequest != rec.PaymentRequest {
		t.Fatalf("expected current invoice on tenant")
	}
	out, _ := f.svc.Outstanding()
	if len(out) != 1 {
		t.Fatalf("expected one outstanding invoice, got %d", len(out))
	}
	summary, err := f.acct.Summary(ctx, f.npub)
	if err != nil || summary.BalanceMCredits != 0 {
		t.Fatalf("invoice creation must not change balance: %+v %v", summary, err)
	}

	again, err := f.svc.RequestCredits(ctx, f.npub, 500)
	if !errors.Is(err, ErrOutstandingInvoice) {
		t.Fatalf("expected ErrOutstandingInvoice, got %v", err)
	}
	if again.PaymentRequest != rec.PaymentRequest || f.ln.created != 1 {
		t.Fatalf("expected existing invoice to be returned")
	}

	f.svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	if _, err := f.svc.RequestCredits(ctx, f.npub, 500); err != nil {
		t.Fatalf("expected new invoice after expiry, got %v", err)
	}
	if f.ln.created != 2 {
		t.Fatalf("expected a second invoice")
	}

	if _, err := f.svc.RequestCredits(ctx, f.npub, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRequestCreditsLightningFailure(t *testing.T) {
	f := newFixture(t)
	f.ln.createErr = errors.New("lnd down")
	if _, err := f.svc.RequestCredits(context.Background(), f.npub, 100); err == nil {
		t.Fatalf("expected error")
	}
	if f.dm.last() != "Unable to create an invoice at this time. Please contact operator" {
		t.Fatalf("unexpected DM %q", f.dm.last())
	}
	out, _ := f.svc.Outstanding()
	if len(out) != 0 {
		t.Fatalf("failed invoice must not be outstanding")
	}
}

func TestCheckInvoicesSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tenants.Update(ctx, f.npub, func(c *tenants.Config) error {
		c.BalanceWarningSent = true
		return nil
	}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	rec, err := f.svc.RequestCredits(ctx, f.npub, 1000)
	if err != nil {
		t.Fatalf("RequestCredits: %v", err)
	}

	f.ln.states[rec.RHash] = lightning.InvoiceOpen
	if err := f.svc.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices: %v", err)
	}
	if out, _ := f.svc.Outstanding(); len(out) != 1 {
		t.Fatalf("open invoice must stay outstanding")
	}

	f.ln.states[rec.RHash] = lightning.InvoiceSettled
	if err := f.svc.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices: %v", err)
	}
	if out, _ := f.svc.Outstanding(); len(out) != 0 {
		t.Fatalf("settled invoice must be removed")
	}
	bal, err := f.acct.Balance(ctx, f.npub)
	if err != nil || bal != 1000 {
		t.Fatalf("expected balance 1000, got %d (%v)", bal, err)
	}
	if f.dm.last() != "Invoice paid. 1000 credits have been applied to your account" {
		t.Fatalf("unexpected DM %q", f.dm.last())
	}
	cfg, _ := f.tenants.Load(ctx, f.npub)
	if cfg.CurrentInvoice != nil || cfg.BalanceWarningSent {
		t.Fatalf("expected current invoice and balance warning cleared: %+v", cfg)
	}

	reloaded := NewService(f.ln, f.acct, f.tenants, f.dm, Options{DataDir: filepath.Dir(f.svc.path)}, nil)
	if out, _ := reloaded.Outstanding(); len(out) != 0 {
		t.Fatalf("outstanding list must be persisted")
	}
}

func TestCheckInvoicesCancelsAndKeepsUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.svc.RequestCredits(ctx, f.npub, 50)
	if err != nil {
		t.Fatalf("RequestCredits: %v", err)
	}

	for _, state := range []string{"", "WEIRD", lightning.InvoiceAccepted} {
		f.ln.states[rec.RHash] = state
		if err := f.svc.CheckInvoices(ctx); err != nil {
			t.Fatalf("CheckInvoices: %v", err)
		}
		if out, _ := f.svc.Outstanding(); len(out) != 1 {
			t.Fatalf("state %q must stay outstanding", state)
		}
	}

	f.ln.lookupErr[rec.RHash] = errors.New("timeout")
	if err := f.svc.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices: %v", err)
	}
	if out, _ := f.svc.Outstanding(); len(out) != 1 {
		t.Fatalf("lookup error must keep invoice outstanding")
	}
	delete(f.ln.lookupErr, rec.RHash)

	f.ln.states[rec.RHash] = lightning.InvoiceCanceled
	if err := f.svc.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices: %v", err)
	}
	if out, _ := f.svc.Outstanding(); len(out) != 0 {
		t.Fatalf("canceled invoice must be removed")
	}
	if f.dm.last() != "Invoice for 50 was canceled" {
		t.Fatalf("unexpected DM %q", f.dm.last())
	}
	bal, _ := f.acct.Balance(ctx, f.npub)
	if bal != 0 {
		t.Fatalf("cancel must not change balance, got %d", bal)
	}
	cfg, _ := f.tenants.Load(ctx, f.npub)
	if cfg.CurrentInvoice != nil {
		t.Fatalf("expected current invoice cleared")
	}
}

func TestCheckerStops(t *testing.T) {
	f := newFixture(t)
	c := NewChecker(f.svc, time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("checker did not stop")
	}
}

func TestCheckInvoicesPersistsEachSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	other, _ := nip19.EncodePublicKey(pub)

	first, err := f.svc.RequestCredits(ctx, f.npub, 1000)
	if err != nil {
		t.Fatalf("RequestCredits: %v", err)
	}
	second, err := f.svc.RequestCredits(ctx, other, 500)
	if err != nil {
		t.Fatalf("RequestCredits: %v", err)
	}
	f.ln.states[first.RHash] = lightning.InvoiceSettled
	f.ln.states[second.RHash] = lightning.InvoiceOpen

	var onDisk []Record
	f.ln.onLookup = func(hash string) {
		if hash != second.RHash {
			return
		}
		if _, err := jsonfile.Load(f.svc.path, &onDisk); err != nil {
			t.Errorf("load outstanding file: %v", err)
		}
	}
	if err := f.svc.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].RHash != second.RHash {
		t.Fatalf("settled invoice must leave the file before the next lookup, got %+v", onDisk)
	}

	// A restarted service reads the same file and must not credit again.
	restarted := NewService(f.ln, f.acct, f.tenants, f.dm, Options{DataDir: filepath.Dir(f.svc.path)}, nil)
	f.ln.onLookup = nil
	if err := restarted.CheckInvoices(ctx); err != nil {
		t.Fatalf("CheckInvoices after restart: %v", err)
	}
	if bal, err := f.acct.Balance(ctx, f.npub); err != nil || bal != 1000 {
		t.Fatalf("expected balance 1000 after restart, got %d (%v)", bal, err)
	}
}
