// Package scheduler drives the bot: each cycle it takes the next enabled
// tenant, fetches new replies to its monitored post and runs the engine.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"

	"zapbot/internal/engine"
	"zapbot/internal/nostrfeed"
	"zapbot/internal/reconcile"
	"zapbot/internal/tenants"
	"zapbot/pkg/logging"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultSweepPercent = 10
	// Window is the longest span of replies fetched in one cycle.
	Window = 2 * time.Hour
)

const eventNotFoundMessage = "Could not find event on relays"

type Tenants interface {
	Enabled(ctx context.Context) ([]tenants.Enabled, error)
	Load(ctx context.Context, npub string) (*tenants.Config, error)
	Update(ctx context.Context, npub string, fn func(*tenants.Config) error) (*tenants.Config, error)
	EnsureProfile(ctx context.Context, npub string, defaults tenants.Profile) (*tenants.Profile, error)
}

type Feed interface {
	GetEvent(ctx context.Context, relays []string, id string) (*nostr.Event, error)
	GetSignedReplies(ctx context.Context, relays []string, postID string, since, until int64) ([]*nostr.Event, error)
}

type Engine interface {
	Process(ctx context.Context, c engine.Campaign, events []*nostr.Event) (engine.Result, error)
}

type Sweeper interface {
	SweepCampaign(ctx context.Context, tenant, eventID string) (reconcile.Report, error)
	SweepAll(ctx context.Context) (reconcile.Report, error)
}

type Messenger interface {
	SendDirectMessage(ctx context.Context, recipient, text string)
}

type Config struct {
	PollInterval   time.Duration
	SweepPercent   int
	SweepInterval  time.Duration
	DefaultRelays  []string
	DefaultProfile tenants.Profile
	Rand           *rand.Rand
	// Heartbeat, when set, is beaten after every cycle.
	Heartbeat interface{ Beat() }
	// CycleSeconds, when set, observes RunCycle durations.
	CycleSeconds prometheus.Observer
}

type Scheduler struct {
	tenants   Tenants
	feed      Feed
	engine    Engine
	sweeper   Sweeper
	messenger Messenger
	cfg       Config
	rng       *rand.Rand
	logger    logging.Logger
	now       func() time.Time

	queue []tenants.Enabled
}

func New(t Tenants, feed Feed, eng Engine, sweeper Sweeper, m Messenger, cfg Config, logger logging.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SweepPercent < 0 {
		cfg.SweepPercent = 0
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		tenants:   t,
		feed:      feed,
		engine:    eng,
		sweeper:   sweeper,
		messenger: m,
		cfg:       cfg,
		rng:       rng,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
	}
}

// next pops the next tenant, refreshing the list when it runs out.
func (s *Scheduler) next(ctx context.Context) (tenants.Enabled, bool, error) {
	if len(s.queue) == 0 {
		enabled, err := s.tenants.Enabled(ctx)
		if err != nil {
			return tenants.Enabled{}, false, fmt.Errorf("list enabled tenants: %w", err)
		}
		s.queue = enabled
	}
	if len(s.queue) == 0 {
		return tenants.Enabled{}, false, nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true, nil
}

// RunCycle processes one tenant.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	t, ok, err := s.next(ctx)
	if err != nil || !ok {
		return err
	}
	log := s.logger.WithFields(logging.Fields{
		"cycle_id": uuid.NewString(),
		"tenant":   t.Npub,
		"event_id": t.EventID,
	})

	if s.sweeper != nil && s.rng.Intn(100) < s.cfg.SweepPercent {
		rep, err := s.sweeper.SweepCampaign(ctx, t.Npub, t.EventID)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", t.Npub, err)
		}
		log.WithFields(logging.Fields{
			"tracked": rep.Tracked,
			"updated": rep.Updated,
		}).Debug("Swept campaign")
		return nil
	}

	cfg, err := s.tenants.Load(ctx, t.Npub)
	if err != nil {
		return err
	}
	readRelays := cfg.RelayURLs(false)
	if len(readRelays) == 0 {
		readRelays = s.cfg.DefaultRelays
	}
	writeRelays := cfg.RelayURLs(true)
	if len(writeRelays) == 0 {
		writeRelays = s.cfg.DefaultRelays
	}

	since := cfg.EventSince
	if since <= 0 {
		post, err := s.feed.GetEvent(ctx, readRelays, t.EventID)
		if err != nil {
			return fmt.Errorf("look up monitored event: %w", err)
		}
		if post == nil {
			log.Warn("Monitored event not found, disabling bot")
			s.messenger.SendDirectMessage(ctx, t.Npub, eventNotFoundMessage)
			_, err := s.tenants.Update(ctx, t.Npub, func(c *tenants.Config) error {
				c.Enabled = false
				return nil
			})
			return err
		}
		since = int64(post.CreatedAt)
	}

	now := s.now().Unix()
	until := since + int64(Window/time.Second)
	if until > now {
		until = now
	}

	secretKey, err := s.secretKey(ctx, t.Npub, cfg)
	if err != nil {
		return err
	}

	events, err := s.feed.GetSignedReplies(ctx, readRelays, t.EventID, since, until)
	if err != nil {
		return fmt.Errorf("fetch replies: %w", err)
	}

	res, err := s.engine.Process(ctx, engine.Campaign{
		Tenant:             t.Npub,
		EventID:            t.EventID,
		Rules:              cfg.Conditions,
		Excludes:           cfg.Excludes,
		ZapMessage:         cfg.ZapMessage,
		Budget:             cfg.EventBudget,
		SecretKey:          secretKey,
		Relays:             writeRelays,
		Since:              since,
		BalanceWarningSent:  cfg.BalanceWarningSent,
		BalanceWarningLevel: cfg.BalanceWarningLevel,
		BudgetWarningSent:   cfg.BudgetWarningSent,
		BudgetWarningLevel:  cfg.BudgetWarningLevel,
	}, events)
	if err != nil {
		return fmt.Errorf("process replies: %w", err)
	}

	// A window capped below now has been read in full.
	newSince := res.Newest
	if until < now && until > newSince {
		newSince = until
	}
	_, err = s.tenants.Update(ctx, t.Npub, func(c *tenants.Config) error {
		if c.EventIDHex() != t.EventID {
			return nil
		}
		c.EventSince = newSince
		// Credits applied during the batch may have cleared the balance flag.
		if res.BalanceWarningSent != cfg.BalanceWarningSent || res.BalanceWarningLevel != cfg.BalanceWarningLevel {
			c.BalanceWarningSent = res.BalanceWarningSent
			c.BalanceWarningLevel = res.BalanceWarningLevel
		}
		c.BudgetWarningSent = res.BudgetWarningSent
		c.BudgetWarningLevel = res.BudgetWarningLevel
		return nil
	})
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}

	if res.Zaps > 0 || res.Replies > 0 {
		log.WithFields(logging.Fields{
			"events":  len(events),
			"zaps":    res.Zaps,
			"replies": res.Replies,
			"skipped": res.Skipped,
		}).Info("Processed replies")
	}
	return nil
}

func (s *Scheduler) secretKey(ctx context.Context, npub string, cfg *tenants.Config) (string, error) {
	profile := cfg.Profile
	if profile == nil || profile.Nsec == "" {
		p, err := s.tenants.EnsureProfile(ctx, npub, s.cfg.DefaultProfile)
		if err != nil {
			return "", fmt.Errorf("create bot profile: %w", err)
		}
		profile = p
	}
	sk, err := nostrfeed.SecretKeyHex(profile.Nsec)
	if err != nil {
		return "", fmt.Errorf("bot key for %s: %w", npub, err)
	}
	return sk, nil
}

// Run calls RunCycle every poll interval until ctx is cancelled. When
// SweepInterval is set the full payment sweep runs on the same goroutine, so
// campaign state only ever has one writer.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithFields(logging.Fields{
		"poll_interval":  s.cfg.PollInterval.String(),
		"sweep_percent":  s.cfg.SweepPercent,
		"sweep_interval": s.cfg.SweepInterval.String(),
	}).Info("Starting scheduler")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var sweepC <-chan time.Time
	if s.sweeper != nil && s.cfg.SweepInterval > 0 {
		sweepTicker := time.NewTicker(s.cfg.SweepInterval)
		defer sweepTicker.Stop()
		sweepC = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping due to context cancellation")
			return
		case <-sweepC:
			s.sweepAll(ctx)
		case <-ticker.C:
			start := time.Now()
			if err := s.RunCycle(ctx); err != nil {
				s.logger.WithError(err).Error("Scheduler cycle failed")
			}
			if s.cfg.CycleSeconds != nil {
				s.cfg.CycleSeconds.Observe(time.Since(start).Seconds())
			}
			if s.cfg.Heartbeat != nil {
				s.cfg.Heartbeat.Beat()
			}
		}
	}
}

func (s *Scheduler) sweepAll(ctx context.Context) {
	rep, err := s.sweeper.SweepAll(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Payment sweep failed")
		return
	}
	if rep.Tracked > 0 {
		s.logger.WithFields(logging.Fields{
			"tracked": rep.Tracked,
			"updated": rep.Updated,
			"pending": rep.Pending,
		}).Info("Payment sweep complete")
	}
}
