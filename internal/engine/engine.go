// Package engine turns a batch of replies to a monitored post into zaps and
// reply messages, keeping the ledger and campaign state consistent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"zapbot/internal/eventstate"
	"zapbot/internal/ledger"
	"zapbot/internal/lightning"
	"zapbot/internal/lnurl"
	"zapbot/internal/matcher"
	"zapbot/internal/nostrfeed"
	"zapbot/pkg/logging"
)

// Default per-action service fees in millicredits.
const (
	DefaultReplyFeeMCredits = 50
	DefaultZapFeeMCredits   = 50
)

// Advisory messages sent once when zaps stop for lack of funds.
const (
	BalanceAdvisory = "Zaps are paused because the account balance is too low. Use CREDITS ADD <amount> to add funds"
	BudgetAdvisory  = "Zaps are paused because the event budget has been used up. Use EVENTBUDGET <amount> to raise it"
)

// Unzappable reasons recorded on the campaign.
const (
	ReasonNoAddress        = "no lightning address"
	ReasonInvalidAddress   = "invalid lightning address"
	ReasonProviderDenied   = "lnurl provider denied"
	ReasonUnreachable      = "lnurl provider unreachable"
	ReasonNostrUnsupported = "lnurl provider does not support nostr zaps"
	ReasonMissingFields    = "lnurl pay info missing fields"
	ReasonAmountRange      = "amount out of provider range"
	ReasonInvalidInvoice   = "invalid invoice"
	ReasonInvoiceMismatch  = "invoice mismatch"
)

type Ledger interface {
	BalanceMCredits(ctx context.Context, tenant string) (int64, error)
	RecordEntry(ctx context.Context, tenant string, category ledger.Category, credits, mcredits int64, description string) (ledger.Entry, error)
}

type Addresses interface {
	LightningAddress(ctx context.Context, pubkey string) (string, error)
}

type PayLinks interface {
	ResolvePayInfo(ctx context.Context, address string, amountSat int64) (*lnurl.PayInfo, error)
	RequestInvoice(ctx context.Context, info *lnurl.PayInfo, amountSat int64, zapRequest *nostr.Event) (*lnurl.InvoiceResponse, error)
}

type Payments interface {
	DecodeInvoice(ctx context.Context, paymentRequest string) (*lightning.DecodedInvoice, error)
	PayInvoice(ctx context.Context, paymentRequest string) lightning.Payment
	FeeLimitSat() int64
}

type Publisher interface {
	Publish(ctx context.Context, relays []string, ev *nostr.Event) error
}

type Messenger interface {
	SendDirectMessage(ctx context.Context, recipient, text string)
}

// Campaign is the configuration snapshot for one invocation.
type Campaign struct {
	Tenant     string
	EventID    string
	Rules      []matcher.Rule
	Excludes   []string
	ZapMessage string
	// Budget is the campaign spend cap in credits. Zero means unlimited.
	Budget int64
	// SecretKey is the tenant bot's hex key; it signs replies and zap requests.
	SecretKey string
	Relays    []string
	Since     int64

	// The advisory flags stay set until the balance or remaining budget,
	// in mcredits, rises above the level recorded when the advisory went out.
	BalanceWarningSent  bool
	BalanceWarningLevel int64
	BudgetWarningSent   bool
	BudgetWarningLevel  int64
}

type Result struct {
	Newest              int64
	BalanceWarningSent  bool
	BalanceWarningLevel int64
	BudgetWarningSent   bool
	BudgetWarningLevel  int64
	Zaps                int
	Replies            int
	Skipped            int
}

type Config struct {
	ReplyFeeMCredits int64
	ZapFeeMCredits   int64
	Metrics          *Metrics
	Rand             *rand.Rand
}

type Engine struct {
	state     eventstate.Store
	ledger    Ledger
	addresses Addresses
	links     PayLinks
	payments  Payments
	publisher Publisher
	messenger Messenger

	replyFee int64
	zapFee   int64
	metrics  *Metrics
	rng      *rand.Rand
	logger   logging.Logger
	now      func() time.Time
}

type Deps struct {
	State     eventstate.Store
	Ledger    Ledger
	Addresses Addresses
	PayLinks  PayLinks
	Payments  Payments
	Publisher Publisher
	Messenger Messenger
}

func New(deps Deps, cfg Config, logger logging.Logger) *Engine {
	if cfg.ReplyFeeMCredits < 0 {
		cfg.ReplyFeeMCredits = 0
	}
	if cfg.ZapFeeMCredits < 0 {
		cfg.ZapFeeMCredits = 0
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		state:     deps.State,
		ledger:    deps.Ledger,
		addresses: deps.Addresses,
		links:     deps.PayLinks,
		payments:  deps.Payments,
		publisher: deps.Publisher,
		messenger: deps.Messenger,
		replyFee:  cfg.ReplyFeeMCredits,
		zapFee:    cfg.ZapFeeMCredits,
		metrics:   cfg.Metrics,
		rng:       rng,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
	}
}

// run holds the mutable state of one Process call.
type run struct {
	e      *Engine
	c      Campaign
	state  *eventstate.Campaign
	result Result
	log    logging.Logger

	balance   int64
	remaining int64
}

func (r *run) budgeted() bool {
	return r.c.Budget > 0
}

func (r *run) entry() *logging.Entry {
	return r.log.WithFields(logging.Fields{
		"tenant":   r.c.Tenant,
		"event_id": r.c.EventID,
	})
}

// Process runs one batch. Events may arrive in any order. Storage failures
// abort the batch; every other failure skips the affected reply.
func (e *Engine) Process(ctx context.Context, c Campaign, events []*nostr.Event) (Result, error) {
	r := &run{
		e:   e,
		c:   c,
		log: e.logger,
		result: Result{
			Newest:              c.Since,
			BalanceWarningSent:  c.BalanceWarningSent,
			BalanceWarningLevel: c.BalanceWarningLevel,
			BudgetWarningSent:   c.BudgetWarningSent,
			BudgetWarningLevel:  c.BudgetWarningLevel,
		},
	}

	m, err := matcher.New(c.Rules, c.Excludes, e.rng)
	if err != nil {
		return r.result, fmt.Errorf("compile rules: %w", err)
	}

	state, err := e.state.Load(ctx, c.Tenant, c.EventID)
	if err != nil {
		return r.result, fmt.Errorf("load campaign state: %w", err)
	}
	r.state = state

	zaps, replies := r.match(m, events)

	if err := e.state.Save(ctx, state, eventstate.PartParticipants); err != nil {
		return r.result, fmt.Errorf("save participants: %w", err)
	}

	if r.balance, err = e.ledger.BalanceMCredits(ctx, c.Tenant); err != nil {
		return r.result, fmt.Errorf("read balance: %w", err)
	}
	r.remaining = c.Budget*1000 - state.SpentMCredits(e.replyFee)
	r.resetAdvisories()

	if err := r.sendReplies(ctx, replies); err != nil {
		return r.result, err
	}
	if err := r.sendZaps(ctx, matcher.ReduceZaps(zaps)); err != nil {
		return r.result, err
	}

	if err := e.state.Save(ctx, state, eventstate.PartResponses, eventstate.PartUnzappable); err != nil {
		return r.result, fmt.Errorf("save campaign state: %w", err)
	}
	return r.result, nil
}

// match filters events and evaluates rules in chronological order.
func (r *run) match(m *matcher.Matcher, events []*nostr.Event) ([]matcher.ZapCandidate, []matcher.ReplyCandidate) {
	sorted := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			sorted = append(sorted, ev)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	var (
		zaps    []matcher.ZapCandidate
		replies []matcher.ReplyCandidate
		queued  = make(map[string]struct{})
	)
	for _, ev := range sorted {
		if !nostrfeed.VerifySignature(ev) {
			r.skip("bad_signature")
			continue
		}
		if ts := int64(ev.CreatedAt); ts > r.result.Newest {
			r.result.Newest = ts
		}
		if !topLevelReply(ev, r.c.EventID) {
			r.skip("not_top_level")
			continue
		}
		if m.ExcludedAuthor(ev.PubKey) {
			r.skip("excluded_author")
			continue
		}
		if r.state.HasBeenProcessed(ev.ID) {
			r.skip("duplicate")
			continue
		}
		r.state.AddParticipant(ev.PubKey)
		if m.ExcludedContent(ev.Content) {
			r.skip("excluded_content")
			continue
		}

		out := m.Evaluate(matcher.Reply{
			ID:        ev.ID,
			Author:    ev.PubKey,
			Content:   ev.Content,
			CreatedAt: int64(ev.CreatedAt),
		}, r.state)
		if out.Zap != nil {
			zaps = append(zaps, *out.Zap)
		}
		if out.Reply != nil && !r.state.HasBeenRepliedTo(ev.ID) {
			if _, dup := queued[ev.ID]; !dup {
				queued[ev.ID] = struct{}{}
				replies = append(replies, *out.Reply)
			}
		}
	}
	return zaps, replies
}

// topLevelReply requires exactly one e tag, referencing the monitored post.
func topLevelReply(ev *nostr.Event, postID string) bool {
	var refs []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			refs = append(refs, tag[1])
		}
	}
	return len(refs) == 1 && refs[0] == postID
}

func (r *run) skip(reason string) {
	r.result.Skipped++
	r.e.metrics.skip(reason)
}

func (r *run) spend(mcredits int64) {
	r.balance -= mcredits
	r.remaining -= mcredits
}

func (r *run) sendReplies(ctx context.Context, replies []matcher.ReplyCandidate) error {
	for _, rc := range replies {
		if r.balance < 1000 {
			return nil
		}
		if r.budgeted() && r.remaining < r.e.replyFee {
			return nil
		}

		ev := &nostr.Event{
			CreatedAt: nostr.Timestamp(r.e.now().Unix()),
			Kind:      nostr.KindTextNote,
			Tags:      nostr.Tags{{"e", rc.EventID}, {"p", rc.Author}},
			Content:   rc.Message,
		}
		if err := ev.Sign(r.c.SecretKey); err != nil {
			r.entry().WithError(err).Error("Failed to sign reply")
			continue
		}
		if err := r.e.publisher.Publish(ctx, r.c.Relays, ev); err != nil {
			r.entry().WithError(err).WithField("reply_to", rc.EventID).Warn("Failed to publish reply")
			r.skip("reply_publish_failed")
			continue
		}

		if _, err := r.e.ledger.RecordEntry(ctx, r.c.Tenant, ledger.ReplyMessage, 0, -r.e.replyFee,
			fmt.Sprintf("Send reply to %s for %s", rc.Author, rc.EventID)); err != nil {
			return fmt.Errorf("record reply fee: %w", err)
		}
		r.spend(r.e.replyFee)
		r.state.MarkProcessed(rc.EventID)
		r.state.MarkRepliedTo(rc.EventID)
		if err := r.e.state.Save(ctx, r.state, eventstate.PartResponses, eventstate.PartReplies); err != nil {
			return fmt.Errorf("save replies: %w", err)
		}
		r.result.Replies++
		r.e.metrics.reply()
	}
	return nil
}

// resetAdvisories clears an advisory flag once funds have risen above the
// level seen when it was sent.
func (r *run) resetAdvisories() {
	if r.result.BalanceWarningSent && r.balance > r.result.BalanceWarningLevel {
		r.result.BalanceWarningSent = false
		r.result.BalanceWarningLevel = 0
	}
	if r.result.BudgetWarningSent && (!r.budgeted() || r.remaining > r.result.BudgetWarningLevel) {
		r.result.BudgetWarningSent = false
		r.result.BudgetWarningLevel = 0
	}
}

// fundsAvailable checks balance and budget for needed mcredits and sends
// each advisory at most once. It reports whether the zap may proceed.
func (r *run) fundsAvailable(ctx context.Context, needed int64) bool {
	ok := true
	if r.balance < needed {
		ok = false
		if !r.result.BalanceWarningSent {
			r.e.messenger.SendDirectMessage(ctx, r.c.Tenant, BalanceAdvisory)
			r.result.BalanceWarningSent = true
			r.result.BalanceWarningLevel = r.balance
		}
		r.skip("insufficient_balance")
	}

	if r.budgeted() && r.remaining < needed {
		if ok {
			r.skip("insufficient_budget")
		}
		ok = false
		if !r.result.BudgetWarningSent {
			r.e.messenger.SendDirectMessage(ctx, r.c.Tenant, BudgetAdvisory)
			r.result.BudgetWarningSent = true
			r.result.BudgetWarningLevel = r.remaining
		}
	}
	return ok
}

func unzappableReason(err error) string {
	switch {
	case errors.Is(err, lnurl.ErrInvalidAddress):
		return ReasonInvalidAddress
	case errors.Is(err, lnurl.ErrProviderDenied):
		return ReasonProviderDenied
	case errors.Is(err, lnurl.ErrNostrUnsupported):
		return ReasonNostrUnsupported
	case errors.Is(err, lnurl.ErrMissingFields):
		return ReasonMissingFields
	case errors.Is(err, lnurl.ErrAmountOutOfRange):
		return ReasonAmountRange
	case errors.Is(err, lnurl.ErrInvalidInvoice):
		return ReasonInvalidInvoice
	case errors.Is(err, lightning.ErrInvoiceAmountMismatch):
		return ReasonInvoiceMismatch
	default:
		return ReasonUnreachable
	}
}

func (r *run) unzappable(author, address, reason string, err error) {
	r.state.MarkUnzappable(author, reason)
	r.skip("unzappable")
	log := r.entry().WithFields(logging.Fields{
		"author":       author,
		"lightning_id": address,
		"reason":       reason,
	})
	if err != nil {
		log = log.WithError(err)
	}
	log.Info("Reply author cannot be zapped")
}

func (r *run) sendZaps(ctx context.Context, zaps []matcher.ZapCandidate) error {
	feeLimit := r.e.payments.FeeLimitSat()
	for _, z := range zaps {
		if !r.fundsAvailable(ctx, (z.Amount+feeLimit)*1000) {
			continue
		}
		r.state.MarkProcessed(z.EventID)

		address, err := r.e.addresses.LightningAddress(ctx, z.Author)
		if err != nil {
			r.entry().WithError(err).WithField("author", z.Author).Warn("Lightning address lookup failed")
		}
		if address == "" {
			r.unzappable(z.Author, "", ReasonNoAddress, err)
			continue
		}
		if _, _, err := lnurl.SplitAddress(address); err != nil {
			r.unzappable(z.Author, address, ReasonInvalidAddress, err)
			continue
		}
		if r.state.HasAddressBeenPaid(address) {
			r.entry().WithField("lightning_id", address).Debug("Lightning address was already paid for this event")
			r.skip("address_paid")
			continue
		}

		info, err := r.e.links.ResolvePayInfo(ctx, address, z.Amount)
		if err != nil {
			r.unzappable(z.Author, address, unzappableReason(err), err)
			continue
		}
		zapRequest, err := lnurl.BuildZapRequest(r.c.SecretKey, r.c.Relays, z.Amount, info.LNURL, z.Author, z.EventID, r.c.ZapMessage)
		if err != nil {
			r.entry().WithError(err).Error("Failed to build zap request")
			r.skip("zap_request_failed")
			continue
		}
		invoice, err := r.e.links.RequestInvoice(ctx, info, z.Amount, zapRequest)
		if err != nil {
			r.unzappable(z.Author, address, unzappableReason(err), err)
			continue
		}
		decoded, err := r.e.payments.DecodeInvoice(ctx, invoice.PR)
		if err == nil {
			err = lightning.ValidateInvoiceAmount(decoded, z.Amount)
		}
		if err != nil {
			r.unzappable(z.Author, address, ReasonInvoiceMismatch, err)
			continue
		}

		if err := r.pay(ctx, z, address, invoice); err != nil {
			return err
		}
	}
	return nil
}

// pay dispatches the payment and books it whatever the outcome; the
// sweeper corrects non-final statuses later.
func (r *run) pay(ctx context.Context, z matcher.ZapCandidate, address string, invoice *lnurl.InvoiceResponse) error {
	r.entry().WithFields(logging.Fields{
		"lightning_id": address,
		"amount_sat":   z.Amount,
	}).Debug("Paying zap invoice")

	payment := r.e.payments.PayInvoice(ctx, invoice.PR)
	paidAt := r.e.now().UTC()

	desc := fmt.Sprintf("Zap %s for reply to %s", address, r.c.EventID)
	if _, err := r.e.ledger.RecordEntry(ctx, r.c.Tenant, ledger.Zaps, -z.Amount, 0, desc); err != nil {
		return fmt.Errorf("record zap: %w", err)
	}
	if _, err := r.e.ledger.RecordEntry(ctx, r.c.Tenant, ledger.RoutingFees, 0, -payment.FeeMsat, desc); err != nil {
		return fmt.Errorf("record routing fee: %w", err)
	}
	if _, err := r.e.ledger.RecordEntry(ctx, r.c.Tenant, ledger.ServiceFees, 0, -r.e.zapFee,
		fmt.Sprintf("Service fee for zap %s", address)); err != nil {
		return fmt.Errorf("record service fee: %w", err)
	}
	r.spend(z.Amount*1000 + payment.FeeMsat + r.e.zapFee)

	rec := eventstate.PaidRecord{
		LightningID:        address,
		AmountSat:          z.Amount,
		PaymentTime:        paidAt.Unix(),
		PaymentTimeISO:     paidAt.Format(time.RFC3339),
		RandomWinner:       z.RandomWinner,
		PaymentVerifyURL:   invoice.Verify,
		PaymentStatus:      payment.Status,
		FeeMsat:            payment.FeeMsat,
		PaymentHash:        payment.PaymentHash,
		ServiceFeeMCredits: r.e.zapFee,
	}
	if z.RandomWinner {
		rec.RandomWinnerRule = z.RuleKey
	}
	r.state.MarkPaid(z.Author, rec)
	r.state.MarkAddressPaid(address, z.Amount, paidAt)

	if err := r.e.state.Save(ctx, r.state,
		eventstate.PartResponses, eventstate.PartPaid, eventstate.PartPaidAddresses); err != nil {
		return fmt.Errorf("save payment state: %w", err)
	}

	r.result.Zaps++
	r.e.metrics.zap(payment.Status, z.Amount)
	r.entry().WithFields(logging.Fields{
		"lightning_id":   address,
		"amount_sat":     z.Amount,
		"payment_status": payment.Status,
		"fee_msat":       payment.FeeMsat,
		"random_winner":  z.RandomWinner,
	}).Info("Zap dispatched")
	return nil
}
