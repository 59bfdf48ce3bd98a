// Package nostrfeed reads and writes events on nostr relays: reply queries,
// event and profile lookups, publishing and NIP-04 direct messages.
package nostrfeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"zapbot/pkg/logging"
)

const defaultQueryTimeout = 15 * time.Second

var ErrNoRelays = errors.New("no relays configured")

// Relays is the relay transport.
type Relays interface {
	Query(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, url string, ev nostr.Event) error
}

// PoolRelays implements Relays on a go-nostr SimplePool, which keeps one
// connection per relay URL.
type PoolRelays struct {
	pool *nostr.SimplePool
}

func NewPoolRelays(ctx context.Context) *PoolRelays {
	return &PoolRelays{pool: nostr.NewSimplePool(ctx)}
}

func (p *PoolRelays) Query(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	relay, err := p.pool.EnsureRelay(url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return relay.QuerySync(ctx, filter)
}

func (p *PoolRelays) Publish(ctx context.Context, url string, ev nostr.Event) error {
	relay, err := p.pool.EnsureRelay(url)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	return relay.Publish(ctx, ev)
}

// Client queries a default relay set unless callers pass their own.
type Client struct {
	relays       Relays
	defaults     []string
	queryTimeout time.Duration
	logger       logging.Logger
}

func NewClient(relays Relays, defaults []string, queryTimeout time.Duration, logger logging.Logger) *Client {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Client{
		relays:       relays,
		defaults:     defaults,
		queryTimeout: queryTimeout,
		logger:       logging.OrDiscard(logger),
	}
}

// DefaultRelays is the relay set used when a tenant has none.
func (c *Client) DefaultRelays() []string {
	return c.defaults
}

// VerifySignature checks both the event id and its signature.
func VerifySignature(ev *nostr.Event) bool {
	if ev == nil || ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

func (c *Client) pick(relays []string) []string {
	if len(relays) == 0 {
		return c.defaults
	}
	return relays
}

// query fans filter out to every relay and merges the results. Events are
// deduplicated by id, events failing verification are dropped, and the
// result is ordered by created_at ascending.
func (c *Client) query(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	relays = c.pick(relays)
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		seen     = make(map[string]*nostr.Event)
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range relays {
		g.Go(func() error {
			events, err := c.relays.Query(gctx, url, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				c.logger.WithError(err).WithField("relay", url).Warn("Relay query failed")
				return nil
			}
			for _, ev := range events {
				if ev == nil {
					continue
				}
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				if !VerifySignature(ev) {
					c.logger.WithField("event_id", ev.ID).Debug("Dropping event with invalid signature")
					continue
				}
				seen[ev.ID] = ev
			}
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(relays) {
		return nil, fmt.Errorf("all %d relays failed", failures)
	}

	out := make([]*nostr.Event, 0, len(seen))
	for _, ev := range seen {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// GetSignedReplies returns kind 1 events tagging postID created in
// [since, until].
func (c *Client) GetSignedReplies(ctx context.Context, relays []string, postID string, since, until int64) ([]*nostr.Event, error) {
	s, u := nostr.Timestamp(since), nostr.Timestamp(until)
	return c.query(ctx, relays, nostr.Filter{
		Kinds: []int{nostr.KindTextNote},
		Tags:  nostr.TagMap{"e": []string{postID}},
		Since: &s,
		Until: &u,
	})
}

// GetEvent returns the event with id, or nil when no relay has it.
func (c *Client) GetEvent(ctx context.Context, relays []string, id string) (*nostr.Event, error) {
	events, err := c.query(ctx, relays, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, nil
}

// FetchProfile returns the newest kind 0 event of pubkey, or nil.
func (c *Client) FetchProfile(ctx context.Context, pubkey string) (*nostr.Event, error) {
	events, err := c.query(ctx, nil, nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey},
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}

// Publish sends ev to every relay. It succeeds if at least one relay
// accepted the event.
func (c *Client) Publish(ctx context.Context, relays []string, ev *nostr.Event) error {
	relays = c.pick(relays)
	if len(relays) == 0 {
		return ErrNoRelays
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []string
	)
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.relays.Publish(ctx, url, *ev); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", url, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) == len(relays) {
		return fmt.Errorf("publish %s failed on every relay: %s", ev.ID, strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		c.logger.WithFields(logging.Fields{
			"event_id": ev.ID,
			"failures": errs,
		}).Debug("Publish failed on some relays")
	}
	return nil
}
