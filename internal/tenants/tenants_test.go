package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/internal/ledger"
	"zapbot/internal/matcher"
	"zapbot/pkg/crypto"
)

func testNpub(t *testing.T) string {
	t.Helper()
	pub, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("npub: %v", err)
	}
	return npub
}

const testEventID = "b9f5441e45ca39179320e0031cfb18e34078673dcc3d3e3a3b3a981760aa5696"

func TestRelayUnmarshal(t *testing.T) {
	var cfg Config
	raw := `{"relays":["relay.one", {"url":"wss://relay.two/","write":false}, "wss://relay.one"]}`
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.Relays) != 3 {
		t.Fatalf("expected 3 relays, got %d", len(cfg.Relays))
	}
	if !cfg.Relays[1].Read || cfg.Relays[1].Write {
		t.Fatalf("unexpected permissions %+v", cfg.Relays[1])
	}

	read := cfg.RelayURLs(false)
	if len(read) != 2 || read[0] != "wss://relay.one" || read[1] != "wss://relay.two" {
		t.Fatalf("unexpected read relays %v", read)
	}
	write := cfg.RelayURLs(true)
	if len(write) != 1 || write[0] != "wss://relay.one" {
		t.Fatalf("unexpected write relays %v", write)
	}
}

func TestNormalizeEventID(t *testing.T) {
	note, err := nip19.EncodeNote(testEventID)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string]string{
		testEventID:                  testEventID,
		strings.ToUpper(testEventID): testEventID,
		note:                         testEventID,
		"":                           "",
		"0":                          "",
		"garbage":                    "",
	}
	for in, want := range cases {
		if got := NormalizeEventID(in); got != want {
			t.Fatalf("NormalizeEventID(%q) = %q, want %q", in, got, want)
		}
	}
	if got := DisplayEventID(testEventID); got != note {
		t.Fatalf("expected note encoding, got %q", got)
	}
}

func TestFileStoreRoundTripEncryptsNsec(t *testing.T) {
	dir := t.TempDir()
	enc, err := crypto.DeriveFieldEncryptor([]byte("secret"), "tenant-nsec")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	s := NewFileStore(dir, enc)
	ctx := context.Background()
	npub := testNpub(t)

	cfg, err := s.Load(ctx, npub)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.ZapMessage != DefaultZapMessage {
		t.Fatalf("expected default zap message, got %q", cfg.ZapMessage)
	}

	profile, err := s.EnsureProfile(ctx, npub, Profile{Name: "Zapper"})
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if !strings.HasPrefix(profile.Nsec, "nsec1") || profile.Name != "Zapper" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	raw, err := os.ReadFile(filepath.Join(dir, npub+".json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), profile.Nsec) {
		t.Fatalf("nsec stored in plaintext")
	}

	again, err := s.EnsureProfile(ctx, npub, Profile{})
	if err != nil {
		t.Fatalf("EnsureProfile again: %v", err)
	}
	if again.Nsec != profile.Nsec {
		t.Fatalf("expected existing profile to be kept")
	}

	other := testNpub(t)
	if err := os.WriteFile(filepath.Join(dir, other+".json"), raw, 0o600); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := s.Load(ctx, other); err == nil {
		t.Fatalf("expected a sealed nsec to be bound to its tenant")
	}
}

func TestFileStoreRejectsBadNpub(t *testing.T) {
	s := NewFileStore(t.TempDir(), nil)
	for _, bad := range []string{"", "../etc", "npub1notreal"} {
		if _, err := s.Load(context.Background(), bad); !errors.Is(err, ErrInvalidNpub) {
			t.Fatalf("expected ErrInvalidNpub for %q, got %v", bad, err)
		}
	}
}

func TestEnabledAndUpdate(t *testing.T) {
	s := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()
	on, off, noEvent := testNpub(t), testNpub(t), testNpub(t)

	for npub, cfg := range map[string]*Config{
		on:      {Enabled: true, EventID: testEventID},
		off:     {Enabled: false, EventID: testEventID},
		noEvent: {Enabled: true},
	} {
		if err := s.Save(ctx, npub, cfg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	enabled, err := s.Enabled(ctx)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Npub != on || enabled[0].EventID != testEventID {
		t.Fatalf("unexpected enabled list %+v", enabled)
	}

	boom := errors.New("boom")
	if _, err := s.Update(ctx, on, func(c *Config) error {
		c.Enabled = false
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	cfg, _ := s.Load(ctx, on)
	if !cfg.Enabled {
		t.Fatalf("aborted update must not write")
	}

	if _, err := s.Update(ctx, on, func(c *Config) error {
		c.EventSince = 42
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cfg, _ = s.Load(ctx, on)
	if cfg.EventSince != 42 {
		t.Fatalf("expected update to persist")
	}
}

func TestValidateForEnableOrder(t *testing.T) {
	cfg := &Config{}
	check := func(want error, balance int64) {
		t.Helper()
		if err := ValidateForEnable(cfg, nil, balance); !errors.Is(err, want) {
			t.Fatalf("expected %v, got %v", want, err)
		}
	}

	check(ErrNoRelays, 100)
	cfg.Relays = []Relay{{URL: "wss://relay", Read: true, Write: true}}
	check(ErrNoConditions, 100)
	cfg.Conditions = []matcher.Rule{{Amount: 10}}
	check(ErrNoZapMessage, 100)
	cfg.ZapMessage = "thanks"
	check(ErrNoEvent, 100)
	cfg.EventID = testEventID
	check(ErrNoFunds, 4)
	if err := ValidateForEnable(cfg, nil, 5); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Conditions = append(cfg.Conditions, matcher.Rule{RequiredRegex: "("})
	if err := ValidateForEnable(cfg, nil, 5); !errors.Is(err, matcher.ErrInvalidRegex) {
		t.Fatalf("expected invalid rule, got %v", err)
	}

	empty := &Config{}
	if err := ValidateForEnable(empty, []string{"wss://default"}, 0); !errors.Is(err, ErrNoConditions) {
		t.Fatalf("default relays should satisfy the relay check, got %v", err)
	}
}

func TestStatusReport(t *testing.T) {
	cfg := &Config{
		Relays:     []Relay{{URL: "wss://a", Read: true, Write: true}, {URL: "wss://b", Read: true, Write: true}},
		Conditions: []matcher.Rule{{Amount: 5}, {Amount: 21}},
		ZapMessage: "gm",
		EventID:    testEventID,
		Enabled:    true,
	}
	summary := ledger.Summary{
		CreditsApplied:  1000_000,
		Zaps:            -26_000,
		RoutingFees:     -1_500,
		ServiceFees:     -100,
		BalanceMCredits: 972_400,
	}
	report := StatusReport(cfg, nil, summary)

	note, _ := nip19.EncodeNote(testEventID)
	for _, want := range []string{
		"The bot is configured with 2 relays, 2 conditions, and monitoring the following event " + note + ".",
		"zapped up to 21 with the following message: gm",
		"\n   CREDITS APPLIED:     1000",
		"\n              ZAPS:      -26",
		"\n      ROUTING FEES:       -1",
		"\n      SERVICE FEES:        0",
		"\n           BALANCE:      972",
		"\nBot is enabled",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}

	bare := StatusReport(&Config{}, nil, ledger.Summary{})
	if !strings.HasSuffix(bare, "\n\nUse RELAYS ADD command to configure relays") {
		t.Fatalf("expected relay hint:\n%s", bare)
	}
	if !strings.Contains(bare, "but has no event to monitor defined.") || !strings.Contains(bare, "Bot is not currently enabled") {
		t.Fatalf("unexpected bare report:\n%s", bare)
	}
}
