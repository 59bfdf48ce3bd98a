// Package invoices sells credits: it issues LND invoices to tenants and
// applies them to the ledger once settled.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zapbot/internal/ledger"
	"zapbot/internal/lightning"
	"zapbot/internal/tenants"
	"zapbot/pkg/jsonfile"
	"zapbot/pkg/logging"
)

// Expiry is the lifetime of a credit invoice.
const Expiry = 30 * time.Minute

// OutstandingFile is the name of the outstanding invoice list under the data dir.
const OutstandingFile = "outstandingInvoices.json"

var (
	ErrOutstandingInvoice = errors.New("an existing invoice has not yet been paid or expired")
	ErrInvalidAmount      = errors.New("credit amount must be a positive whole number")
)

// Record is a credit invoice as stored on the tenant and in the outstanding list.
type Record = tenants.Invoice

type Lightning interface {
	CreateInvoice(ctx context.Context, amountSat int64, memo string, expiry time.Duration) (*lightning.Invoice, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*lightning.InvoiceStatus, error)
}

type Ledger interface {
	RecordEntry(ctx context.Context, tenant string, category ledger.Category, credits, mcredits int64, description string) (ledger.Entry, error)
}

type Tenants interface {
	Load(ctx context.Context, npub string) (*tenants.Config, error)
	Update(ctx context.Context, npub string, fn func(*tenants.Config) error) (*tenants.Config, error)
}

type Messenger interface {
	SendDirectMessage(ctx context.Context, recipient, text string)
}

// Service issues credit invoices and settles them.
type Service struct {
	ln        Lightning
	ledger    Ledger
	tenants   Tenants
	messenger Messenger
	path      string
	logger    logging.Logger
	counter   *prometheus.CounterVec
	now       func() time.Time

	mu          sync.Mutex
	outstanding []Record
	loaded      bool
}

type Options struct {
	DataDir string
	// Counter, when set, counts invoices by outcome (created, settled, canceled).
	Counter *prometheus.CounterVec
}

func NewService(ln Lightning, l Ledger, t Tenants, m Messenger, opts Options, logger logging.Logger) *Service {
	return &Service{
		ln:        ln,
		ledger:    l,
		tenants:   t,
		messenger: m,
		path:      filepath.Join(opts.DataDir, OutstandingFile),
		logger:    logging.OrDiscard(logger),
		counter:   opts.Counter,
		now:       time.Now,
	}
}

func (s *Service) count(outcome string) {
	if s.counter != nil {
		s.counter.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var list []Record
	if _, err := jsonfile.Load(s.path, &list); err != nil {
		return fmt.Errorf("load outstanding invoices: %w", err)
	}
	s.outstanding = list
	s.loaded = true
	return nil
}

func (s *Service) persist() error {
	list := s.outstanding
	if list == nil {
		list = []Record{}
	}
	if err := jsonfile.Save(s.path, list); err != nil {
		return fmt.Errorf("save outstanding invoices: %w", err)
	}
	return nil
}

// Outstanding returns a copy of the invoices awaiting settlement.
func (s *Service) Outstanding() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return append([]Record(nil), s.outstanding...), nil
}

// Memo is the invoice description shown in the payer's wallet.
func Memo(amount int64, npub string) string {
	return fmt.Sprintf("Add %d credits to Zapping Bot for %s", amount, npub)
}

// RequestCredits issues an invoice for amount credits and DMs it to the
// tenant. An unexpired current invoice is returned with ErrOutstandingInvoice
// instead of creating a new one.
func (s *Service) RequestCredits(ctx context.Context, npub string, amount int64) (*Record, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	cfg, err := s.tenants.Load(ctx, npub)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if cur := cfg.CurrentInvoice; cur != nil && cur.PaymentRequest != "" && now.Unix() <= cur.ExpiryTime {
		s.messenger.SendDirectMessage(ctx, npub, fmt.Sprintf(
			"An existing invoice has not yet been paid or expired\nThis invoice expires %s\n%s",
			cur.ExpiryTimeISO, cur.PaymentRequest))
		return cur, ErrOutstandingInvoice
	}

	memo := Memo(amount, npub)
	if _, err := s.ledger.RecordEntry(ctx, npub, ledger.InvoiceCreated, 0, 0, memo); err != nil {
		return nil, fmt.Errorf("record invoice creation: %w", err)
	}

	inv, err := s.ln.CreateInvoice(ctx, amount, memo, Expiry)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"tenant": npub,
			"amount": amount,
		}).Warn("Failed to create credit invoice")
		s.messenger.SendDirectMessage(ctx, npub, "Unable to create an invoice at this time. Please contact operator")
		return nil, err
	}

	expiresAt := now.Add(Expiry)
	rec := Record{
		Npub:           npub,
		CreatedAt:      now.Unix(),
		CreatedAtISO:   now.Format(time.RFC3339),
		Amount:         amount,
		Memo:           memo,
		Expiry:         int64(Expiry / time.Second),
		ExpiryTime:     expiresAt.Unix(),
		ExpiryTimeISO:  expiresAt.Format(time.RFC3339),
		RHash:          inv.RHash,
		PaymentRequest: inv.PaymentRequest,
		AddIndex:       int64(inv.AddIndex),
	}

	s.mu.Lock()
	err = s.ensureLoaded()
	if err == nil {
		s.outstanding = append(s.outstanding, rec)
		err = s.persist()
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := s.tenants.Update(ctx, npub, func(c *tenants.Config) error {
		c.CurrentInvoice = &rec
		return nil
	}); err != nil {
		return nil, fmt.Errorf("save current invoice: %w", err)
	}

	s.count("created")
	s.messenger.SendDirectMessage(ctx, npub,
		"Please fulfill the following invoice to credit the account\n\n"+rec.PaymentRequest)
	return &rec, nil
}

// CheckInvoices looks up every outstanding invoice and applies settled or
// canceled ones. Anything else stays outstanding for the next check.
func (s *Service) CheckInvoices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if len(s.outstanding) == 0 {
		return nil
	}
	s.logger.WithField("count", len(s.outstanding)).Debug("Checking outstanding invoices")

	// Each resolved invoice is dropped from disk before the next lookup so a
	// restart never applies the same settlement twice.
	pending := append([]Record(nil), s.outstanding...)
	for _, inv := range pending {
		if s.check(ctx, inv) {
			continue
		}
		s.outstanding = withoutInvoice(s.outstanding, inv.RHash)
		if err := s.persist(); err != nil {
			return err
		}
	}
	return nil
}

func withoutInvoice(list []Record, rHash string) []Record {
	out := list[:0]
	for _, inv := range list {
		if inv.RHash != rHash {
			out = append(out, inv)
		}
	}
	return out
}

// check handles one invoice and reports whether it is still outstanding.
func (s *Service) check(ctx context.Context, inv Record) bool {
	fields := logging.Fields{
		"tenant": inv.Npub,
		"r_hash": inv.RHash,
	}
	st, err := s.ln.LookupInvoice(ctx, inv.RHash)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("Invoice lookup failed")
		return true
	}

	switch st.State {
	case lightning.InvoiceOpen:
		s.logger.WithFields(fields).Debug("Invoice still open")
		return true
	case lightning.InvoiceAccepted:
		s.logger.WithFields(fields).Debug("Invoice accepted, not yet settled")
		return true
	case lightning.InvoiceSettled:
		return !s.settle(ctx, inv)
	case lightning.InvoiceCanceled:
		return !s.cancel(ctx, inv)
	case "":
		s.logger.WithFields(fields).Warn("Invoice lookup returned no state")
		return true
	default:
		s.logger.WithFields(fields).WithField("state", st.State).Warn("Invoice has unrecognized state")
		return true
	}
}

func (s *Service) settle(ctx context.Context, inv Record) bool {
	msg := fmt.Sprintf("Invoice paid. %d credits have been applied to your account", inv.Amount)
	if _, err := s.ledger.RecordEntry(ctx, inv.Npub, ledger.CreditsApplied, inv.Amount, 0, msg); err != nil {
		s.logger.WithError(err).WithField("tenant", inv.Npub).Error("Failed to apply credits for settled invoice")
		return false
	}
	s.logger.WithFields(logging.Fields{
		"tenant": inv.Npub,
		"amount": inv.Amount,
	}).Info("Credit invoice settled")
	s.count("settled")
	s.messenger.SendDirectMessage(ctx, inv.Npub, msg)
	s.clearCurrent(ctx, inv, true)
	return true
}

func (s *Service) cancel(ctx context.Context, inv Record) bool {
	msg := fmt.Sprintf("Invoice for %d was canceled", inv.Amount)
	if _, err := s.ledger.RecordEntry(ctx, inv.Npub, ledger.InvoiceCanceled, 0, 0, msg); err != nil {
		s.logger.WithError(err).WithField("tenant", inv.Npub).Error("Failed to record canceled invoice")
		return false
	}
	s.count("canceled")
	s.messenger.SendDirectMessage(ctx, inv.Npub, msg)
	s.clearCurrent(ctx, inv, false)
	return true
}

func (s *Service) clearCurrent(ctx context.Context, inv Record, resetBalanceWarning bool) {
	_, err := s.tenants.Update(ctx, inv.Npub, func(c *tenants.Config) error {
		if c.CurrentInvoice != nil && c.CurrentInvoice.RHash == inv.RHash {
			c.CurrentInvoice = nil
		}
		if resetBalanceWarning {
			c.BalanceWarningSent = false
			c.BalanceWarningLevel = 0
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("tenant", inv.Npub).Warn("Failed to clear current invoice")
	}
}
