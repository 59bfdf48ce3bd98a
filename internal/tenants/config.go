// Package tenants holds the per-owner bot configuration and its durable store.
package tenants

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/internal/matcher"
)

const DefaultZapMessage = "Thank you!"

// Relay is a relay URL with read/write permissions. It unmarshals from a bare
// URL string or from {"url", "read", "write"}.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

func (r *Relay) UnmarshalJSON(b []byte) error {
	var url string
	if err := json.Unmarshal(b, &url); err == nil {
		*r = Relay{URL: url, Read: true, Write: true}
		return nil
	}
	var obj struct {
		URL   string `json:"url"`
		Read  *bool  `json:"read"`
		Write *bool  `json:"write"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	*r = Relay{URL: obj.URL, Read: true, Write: true}
	if obj.Read != nil {
		r.Read = *obj.Read
	}
	if obj.Write != nil {
		r.Write = *obj.Write
	}
	return nil
}

// Profile is the tenant's bot identity. Nsec signs zap requests and replies.
type Profile struct {
	Name    string `json:"name"`
	Nsec    string `json:"nsec"`
	Npub    string `json:"npub,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Banner  string `json:"banner,omitempty"`
	Nip05   string `json:"nip05,omitempty"`
	Lud16   string `json:"lud16,omitempty"`
}

// Invoice is a credit purchase invoice awaiting settlement.
type Invoice struct {
	Npub           string `json:"npub"`
	CreatedAt      int64  `json:"created_at"`
	CreatedAtISO   string `json:"created_at_iso"`
	Amount         int64  `json:"amount"`
	Memo           string `json:"memo"`
	Expiry         int64  `json:"expiry"`
	ExpiryTime     int64  `json:"expiry_time"`
	ExpiryTimeISO  string `json:"expiry_time_iso"`
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	AddIndex       int64  `json:"add_index"`
}

type Config struct {
	Enabled            bool           `json:"enabled"`
	Relays             []Relay        `json:"relays,omitempty"`
	Conditions         []matcher.Rule `json:"conditions,omitempty"`
	Excludes           []string       `json:"excludes,omitempty"`
	ZapMessage         string         `json:"zapMessage,omitempty"`
	EventID            string         `json:"eventId,omitempty"`
	EventSince         int64          `json:"eventSince,omitempty"`
	EventBudget        int64          `json:"eventBudget,omitempty"`
	Profile            *Profile       `json:"profile,omitempty"`
	CurrentInvoice     *Invoice       `json:"currentInvoice,omitempty"`
	BalanceWarningSent bool           `json:"balanceWarningSent,omitempty"`
	BudgetWarningSent  bool           `json:"budgetWarningSent,omitempty"`
	// Balance and remaining budget in mcredits when each advisory was sent.
	BalanceWarningLevel int64 `json:"balanceWarningLevel,omitempty"`
	BudgetWarningLevel  int64 `json:"budgetWarningLevel,omitempty"`
}

// NewConfig returns a config with defaults applied.
func NewConfig() *Config {
	return &Config{ZapMessage: DefaultZapMessage}
}

// RelayURLs returns normalized, deduplicated relay URLs. When write is true
// only writable relays are returned, otherwise only readable ones.
func (c *Config) RelayURLs(write bool) []string {
	return RelayURLs(c.Relays, write)
}

func RelayURLs(relays []Relay, write bool) []string {
	seen := make(map[string]struct{}, len(relays))
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if r.URL == "" || (write && !r.Write) || (!write && !r.Read) {
			continue
		}
		url := NormalizeRelayURL(r.URL)
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

func NormalizeRelayURL(url string) string {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
		url = "wss://" + url
	}
	return strings.TrimRight(url, "/")
}

// EventIDHex returns the monitored event as hex, accepting hex, note or
// nevent forms. It returns "" when unset or undecodable.
func (c *Config) EventIDHex() string {
	return NormalizeEventID(c.EventID)
}

func NormalizeEventID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || id == "0" {
		return ""
	}
	if len(id) == 64 {
		if _, err := hex.DecodeString(id); err == nil {
			return strings.ToLower(id)
		}
	}
	prefix, value, err := nip19.Decode(id)
	if err != nil {
		return ""
	}
	switch prefix {
	case "note":
		if s, ok := value.(string); ok {
			return s
		}
	case "nevent":
		if p, ok := value.(nostr.EventPointer); ok {
			return p.ID
		}
	}
	return ""
}

// MaxZap is the largest rule amount.
func (c *Config) MaxZap() int64 {
	var max int64
	for _, r := range c.Conditions {
		if r.Amount > max {
			max = r.Amount
		}
	}
	return max
}
