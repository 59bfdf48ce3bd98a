// Package reconcile re-tracks payments left in a non-final status and books
// routing fee corrections once the final fee is known.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zapbot/internal/eventstate"
	"zapbot/internal/ledger"
	"zapbot/internal/lightning"
	"zapbot/internal/tenants"
	"zapbot/pkg/logging"
)

const DefaultInterval = 15 * time.Minute

type Tracker interface {
	TrackPayment(ctx context.Context, paymentHash string) lightning.Tracked
}

type Ledger interface {
	RecordEntry(ctx context.Context, tenant string, category ledger.Category, credits, mcredits int64, description string) (ledger.Entry, error)
}

type Tenants interface {
	Enabled(ctx context.Context) ([]tenants.Enabled, error)
}

// Report summarizes one campaign sweep. Fee amounts are in millisatoshis.
type Report struct {
	Tracked    int
	Updated    int
	Pending    int
	FeeDebits  int64
	FeeCredits int64
}

func (r *Report) add(o Report) {
	r.Tracked += o.Tracked
	r.Updated += o.Updated
	r.Pending += o.Pending
	r.FeeDebits += o.FeeDebits
	r.FeeCredits += o.FeeCredits
}

type Sweeper struct {
	state    eventstate.Store
	tracker  Tracker
	ledger   Ledger
	tenants Tenants
	updates *prometheus.CounterVec
	logger  logging.Logger
}

type Options struct {
	// Updates, when set, counts final statuses learned by tracking.
	Updates *prometheus.CounterVec
}

func NewSweeper(state eventstate.Store, tracker Tracker, l Ledger, t Tenants, opts Options, logger logging.Logger) *Sweeper {
	return &Sweeper{
		state:   state,
		tracker: tracker,
		ledger:  l,
		tenants: t,
		updates: opts.Updates,
		logger:  logging.OrDiscard(logger),
	}
}

// SweepCampaign tracks every paid record of the campaign whose status is
// not final. A tracking TIMEOUT, an empty status or a missing fee leaves the
// record for a later sweep.
func (s *Sweeper) SweepCampaign(ctx context.Context, tenant, eventID string) (Report, error) {
	var rep Report
	c, err := s.state.Load(ctx, tenant, eventID)
	if err != nil {
		return rep, fmt.Errorf("load campaign state: %w", err)
	}

	authors := make([]string, 0, len(c.Paid))
	for author := range c.Paid {
		authors = append(authors, author)
	}
	sort.Strings(authors)

	for _, author := range authors {
		rec := c.Paid[author]
		if rec.PaymentHash == "" || !lightning.NeedsTracking(rec.PaymentStatus) {
			continue
		}
		log := s.logger.WithFields(logging.Fields{
			"tenant":       tenant,
			"event_id":     eventID,
			"lightning_id": rec.LightningID,
			"payment_hash": rec.PaymentHash,
		})
		log.Info("Tracking payment")

		rep.Tracked++
		tracked := s.tracker.TrackPayment(ctx, rec.PaymentHash)
		if tracked.Status == "" || tracked.Status == lightning.StatusTimeout || tracked.FeeMsat == nil {
			rep.Pending++
			continue
		}

		original := rec.FeeMsat
		rec.PaymentStatus = tracked.Status
		rec.FeeMsat = *tracked.FeeMsat
		c.MarkPaid(author, rec)
		if err := s.state.Save(ctx, c, eventstate.PartPaid); err != nil {
			return rep, fmt.Errorf("save paid records: %w", err)
		}
		rep.Updated++
		if s.updates != nil {
			s.updates.WithLabelValues(tracked.Status).Inc()
		}

		switch diff := rec.FeeMsat - original; {
		case diff > 0:
			if _, err := s.ledger.RecordEntry(ctx, tenant, ledger.RoutingFees, 0, -diff,
				fmt.Sprintf("Zap %s for reply to %s", rec.LightningID, eventID)); err != nil {
				return rep, fmt.Errorf("record fee debit: %w", err)
			}
			rep.FeeDebits += diff
		case diff < 0:
			if _, err := s.ledger.RecordEntry(ctx, tenant, ledger.RoutingFees, 0, -diff,
				fmt.Sprintf("Credit for zap payment after routing fee finalized for %s for reply to %s", rec.LightningID, eventID)); err != nil {
				return rep, fmt.Errorf("record fee credit: %w", err)
			}
			rep.FeeCredits += -diff
		}
		log.WithFields(logging.Fields{
			"payment_status":    rec.PaymentStatus,
			"fee_msat":          rec.FeeMsat,
			"original_fee_msat": original,
		}).Info("Payment status finalized")
	}
	return rep, nil
}

// SweepAll sweeps the campaigns of every enabled tenant. A failing campaign
// is logged and the rest still run.
func (s *Sweeper) SweepAll(ctx context.Context) (Report, error) {
	var total Report
	enabled, err := s.tenants.Enabled(ctx)
	if err != nil {
		return total, fmt.Errorf("list enabled tenants: %w", err)
	}
	for _, t := range enabled {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		rep, err := s.SweepCampaign(ctx, t.Npub, t.EventID)
		total.add(rep)
		if err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"tenant":   t.Npub,
				"event_id": t.EventID,
			}).Error("Campaign sweep failed")
		}
	}
	return total, nil
}
