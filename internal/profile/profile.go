// Package profile resolves an author's lightning address from their kind 0
// profile, backed by a durable freshness cache.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"zapbot/pkg/cache"
	"zapbot/pkg/logging"
)

// DefaultFreshness is how long a resolved address is trusted.
const DefaultFreshness = 24 * time.Hour

// Entry is one cached lookup.
type Entry struct {
	LightningID string `json:"lightningId"`
	Name        string `json:"name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CachedAt    int64  `json:"cached_at"`
}

// Backend stores entries durably across restarts.
type Backend interface {
	// Get returns nil when pubkey has no entry.
	Get(ctx context.Context, pubkey string) (*Entry, error)
	Put(ctx context.Context, pubkey string, e Entry) error
}

// Fetcher returns the newest valid kind 0 event for pubkey, or nil.
type Fetcher interface {
	FetchProfile(ctx context.Context, pubkey string) (*nostr.Event, error)
}

// Options bounds the in-process layer.
type Options struct {
	Freshness   time.Duration
	MemoryTTL   time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
	Hooks       cache.MetricsHooks
}

// Resolver answers lightning address lookups.
type Resolver struct {
	fetcher   Fetcher
	backend   Backend
	memory    *cache.Cache[Entry]
	freshness time.Duration
	now       func() time.Time
	logger    logging.Logger
}

func NewResolver(fetcher Fetcher, backend Backend, opts Options, logger logging.Logger) *Resolver {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = 10 * time.Minute
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	return &Resolver{
		fetcher: fetcher,
		backend: backend,
		memory: cache.New[Entry](cache.Options{
			TTL:         opts.MemoryTTL,
			NegativeTTL: opts.NegativeTTL,
			MaxEntries:  opts.MaxEntries,
		}, opts.Hooks),
		freshness: opts.Freshness,
		now:       time.Now,
		logger:    logging.OrDiscard(logger),
	}
}

// LightningAddress returns the lud16 of pubkey, or "" when the author has
// none.
func (r *Resolver) LightningAddress(ctx context.Context, pubkey string) (string, error) {
	e, ok, err := r.memory.Get(ctx, pubkey, r.load)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return e.LightningID, nil
}

func (r *Resolver) fresh(e *Entry) bool {
	return e != nil && e.LightningID != "" && r.now().Unix()-e.CachedAt < int64(r.freshness/time.Second)
}

func (r *Resolver) load(ctx context.Context, pubkey string) (Entry, bool, error) {
	stored, err := r.backend.Get(ctx, pubkey)
	if err != nil {
		r.logger.WithError(err).WithField("pubkey", pubkey).Warn("Lightning address cache read failed")
	}
	if r.fresh(stored) {
		return *stored, true, nil
	}

	ev, err := r.fetcher.FetchProfile(ctx, pubkey)
	if err != nil {
		if stored != nil && stored.LightningID != "" {
			r.logger.WithError(err).WithField("pubkey", pubkey).Warn("Profile fetch failed, using stale lightning address")
			return *stored, true, nil
		}
		return Entry{}, false, fmt.Errorf("fetch profile: %w", err)
	}
	entry, ok := parseProfile(ev)
	if !ok {
		return Entry{}, false, nil
	}
	entry.CachedAt = r.now().Unix()
	if err := r.backend.Put(ctx, pubkey, entry); err != nil {
		r.logger.WithError(err).WithField("pubkey", pubkey).Warn("Lightning address cache write failed")
	}
	return entry, true, nil
}

type metadata struct {
	Name  *string `json:"name"`
	LUD16 *string `json:"lud16"`
}

func parseProfile(ev *nostr.Event) (Entry, bool) {
	if ev == nil {
		return Entry{}, false
	}
	var md metadata
	if err := json.Unmarshal([]byte(ev.Content), &md); err != nil {
		return Entry{}, false
	}
	if md.LUD16 == nil || strings.TrimSpace(*md.LUD16) == "" {
		return Entry{}, false
	}
	name := "no name"
	if md.Name != nil {
		name = *md.Name
	}
	return Entry{
		LightningID: strings.TrimSpace(*md.LUD16),
		Name:        name,
		CreatedAt:   int64(ev.CreatedAt),
	}, true
}
