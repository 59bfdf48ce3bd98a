// Package ledger keeps the append-only per-tenant credit log. Balances are
// tracked exactly in millicredits (1 credit = 1 sat = 1000 mcredits).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zapbot/pkg/logging"
)

// Category is the entry type vocabulary.
type Category string

const (
	Initialized      Category = "INITIALIZED"
	CreditsApplied   Category = "CREDITS APPLIED"
	Zaps             Category = "ZAPS"
	RoutingFees      Category = "ROUTING FEES"
	ServiceFees      Category = "SERVICE FEES"
	ReplyMessage     Category = "REPLY MESSAGE"
	InvoiceCreated   Category = "INVOICE CREATED"
	InvoiceCanceled  Category = "INVOICE CANCELED"
	BalanceCarryover Category = "BALANCE CARRYOVER"
)

// rotationOrder is the fixed order of summary entries written on rotation.
var rotationOrder = []Category{
	CreditsApplied,
	Zaps,
	RoutingFees,
	ServiceFees,
	ReplyMessage,
	InvoiceCreated,
	InvoiceCanceled,
	BalanceCarryover,
}

// DefaultRotateAfter is the live entry count above which a ledger is rotated.
const DefaultRotateAfter = 1000

// Entry is one ledger line.
type Entry struct {
	CreatedAt       int64    `json:"created_at"`
	CreatedAtISO    string   `json:"created_at_iso"`
	Type            Category `json:"type"`
	Credits         int64    `json:"credits"`
	MCredits        int64    `json:"mcredits"`
	Balance         float64  `json:"balance"`
	BalanceMCredits int64    `json:"balance_mcredits"`
	Description     string   `json:"description"`
}

// DeltaMCredits is the entry's effect on the balance.
func (e Entry) DeltaMCredits() int64 {
	return e.Credits*1000 + e.MCredits
}

// Store persists ledger entries per tenant.
type Store interface {
	// Last returns the most recent entry, or nil for an empty ledger.
	Last(ctx context.Context, tenant string) (*Entry, error)
	// Append adds an entry and returns the live entry count.
	Append(ctx context.Context, tenant string, entry Entry) (int, error)
	// Entries returns the live log in order.
	Entries(ctx context.Context, tenant string) ([]Entry, error)
	// Rotate archives the live log and replaces it with live.
	Rotate(ctx context.Context, tenant string, live []Entry) error
}

var ErrEmptyTenant = errors.New("ledger: tenant is required")

// Summary holds per-category totals used by the status report.
type Summary struct {
	CreditsApplied  int64
	Zaps            int64
	RoutingFees     int64
	ServiceFees     int64
	BalanceMCredits int64
}

// Accountant appends entries and answers balance queries. Appends for the
// same tenant are serialized, including any rotation they trigger.
type Accountant struct {
	store       Store
	rotateAfter int
	logger      logging.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountant returns an Accountant over store. A rotateAfter of zero or
// less disables rotation.
func NewAccountant(store Store, rotateAfter int, logger logging.Logger) *Accountant {
	return &Accountant{
		store:       store,
		rotateAfter: rotateAfter,
		logger:      logging.OrDiscard(logger),
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (a *Accountant) tenantLock(tenant string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		a.locks[tenant] = l
	}
	return l
}

// BalanceMCredits returns the exact balance from the most recent entry.
func (a *Accountant) BalanceMCredits(ctx context.Context, tenant string) (int64, error) {
	if tenant == "" {
		return 0, ErrEmptyTenant
	}
	last, err := a.store.Last(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("read last ledger entry: %w", err)
	}
	if last == nil {
		return 0, nil
	}
	return last.BalanceMCredits, nil
}

// Balance returns the balance in whole credits, truncated toward zero.
func (a *Accountant) Balance(ctx context.Context, tenant string) (int64, error) {
	mc, err := a.BalanceMCredits(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return mc / 1000, nil
}

// RecordEntry appends an entry of the given category and returns it.
func (a *Accountant) RecordEntry(ctx context.Context, tenant string, category Category, credits, mcredits int64, description string) (Entry, error) {
	if tenant == "" {
		return Entry{}, ErrEmptyTenant
	}
	lock := a.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	last, err := a.store.Last(ctx, tenant)
	if err != nil {
		return Entry{}, fmt.Errorf("read last ledger entry: %w", err)
	}
	if last == nil {
		first := a.newEntry(Initialized, 0, 0, 0, "Initialized Balance")
		if _, err := a.store.Append(ctx, tenant, first); err != nil {
			return Entry{}, fmt.Errorf("initialize ledger: %w", err)
		}
		last = &first
	}

	entry := a.newEntry(category, credits, mcredits, last.BalanceMCredits+credits*1000+mcredits, description)
	count, err := a.store.Append(ctx, tenant, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	if a.rotateAfter > 0 && count > a.rotateAfter {
		if err := a.rotate(ctx, tenant); err != nil {
			// The entry is durable; a failed rotation is retried on the next append.
			a.logger.WithError(err).WithField("tenant", tenant).Error("Ledger rotation failed")
		}
	}
	return entry, nil
}

func (a *Accountant) newEntry(category Category, credits, mcredits, balanceMCredits int64, description string) Entry {
	now := a.now().UTC()
	return Entry{
		CreatedAt:       now.Unix(),
		CreatedAtISO:    now.Format(time.RFC3339),
		Type:            category,
		Credits:         credits,
		MCredits:        mcredits,
		Balance:         float64(balanceMCredits) / 1000,
		BalanceMCredits: balanceMCredits,
		Description:     description,
	}
}

func (a *Accountant) rotate(ctx context.Context, tenant string) error {
	entries, err := a.store.Entries(ctx, tenant)
	if err != nil {
		return fmt.Errorf("load ledger for rotation: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	live := Compact(entries, a.newEntry)
	if err := a.store.Rotate(ctx, tenant, live); err != nil {
		return fmt.Errorf("rotate ledger: %w", err)
	}

	a.logger.WithFields(logging.Fields{
		"tenant":   tenant,
		"archived": len(entries),
		"live":     len(live),
	}).Info("Rotated ledger")
	return nil
}

// Compact summarizes entries into an INITIALIZED entry plus one entry per
// non-zero category. A BALANCE CARRYOVER entry closes any gap between the
// summed deltas and the trailing balance.
func Compact(entries []Entry, mk func(Category, int64, int64, int64, string) Entry) []Entry {
	type sum struct{ credits, mcredits int64 }
	sums := make(map[Category]sum)
	for _, e := range entries {
		if e.Type == Initialized {
			continue
		}
		s := sums[e.Type]
		s.credits += e.Credits
		s.mcredits += e.MCredits
		sums[e.Type] = s
	}

	live := []Entry{mk(Initialized, 0, 0, 0, "Initialized Balance")}
	var running int64
	for _, cat := range rotationOrder {
		s, ok := sums[cat]
		if !ok || (s.credits == 0 && s.mcredits == 0) {
			continue
		}
		running += s.credits*1000 + s.mcredits
		live = append(live, mk(cat, s.credits, s.mcredits, running, fmt.Sprintf("Summary of %s before rotation", cat)))
	}

	trailing := entries[len(entries)-1].BalanceMCredits
	if gap := trailing - running; gap != 0 {
		live = append(live, mk(BalanceCarryover, 0, gap, trailing, "Balance carried over from archived ledger"))
	}
	return live
}

// Summary totals the report categories over the live log.
func (a *Accountant) Summary(ctx context.Context, tenant string) (Summary, error) {
	if tenant == "" {
		return Summary{}, ErrEmptyTenant
	}
	entries, err := a.store.Entries(ctx, tenant)
	if err != nil {
		return Summary{}, fmt.Errorf("load ledger: %w", err)
	}

	var s Summary
	for _, e := range entries {
		switch e.Type {
		case CreditsApplied:
			s.CreditsApplied += e.DeltaMCredits()
		case Zaps:
			s.Zaps += e.DeltaMCredits()
		case RoutingFees:
			s.RoutingFees += e.DeltaMCredits()
		case ServiceFees:
			s.ServiceFees += e.DeltaMCredits()
		}
	}
	if n := len(entries); n > 0 {
		s.BalanceMCredits = entries[n-1].BalanceMCredits
	}
	return s, nil
}
