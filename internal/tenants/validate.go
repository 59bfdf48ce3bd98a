package tenants

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/internal/ledger"
)

// MinEnableBalance is the balance in credits required to enable a bot.
const MinEnableBalance = 5

var (
	ErrNoRelays     = errors.New("Unable to enable bot. There must be at least one relay defined. Use RELAYS ADD <relay>")
	ErrNoConditions = errors.New("Unable to enable the bot. There must be at least one condition. Use CONDITIONS ADD [--amount <zap amount if matched>] [--randomWinnerLimit <number of random winners of this amount for the event>] [--requiredLength <length required to match>] [--requiredPhrase <phrase required to match>] [--requiredRegex <regular expression to match>] [--replyMessage <message to reply with if matched>]")
	ErrNoZapMessage = errors.New("Unable to enable the bot. The zap message must be set. Use ZAPMESAGE <message to send users>")
	ErrNoEvent      = errors.New("Unable to enable the bot. The eventId must be set. Use EVENT <event identifier>")
	ErrNoFunds      = errors.New("Unable to enable the bot. Funds required. Use CREDIT ADD <amount>")
)

// ValidateForEnable returns the first reason cfg cannot be enabled. The
// error text is the message shown to the tenant. defaultRelays apply when
// the tenant has none.
func ValidateForEnable(cfg *Config, defaultRelays []string, balance int64) error {
	if len(cfg.RelayURLs(false)) == 0 && len(defaultRelays) == 0 {
		return ErrNoRelays
	}
	if len(cfg.Conditions) == 0 {
		return ErrNoConditions
	}
	if strings.TrimSpace(cfg.ZapMessage) == "" {
		return ErrNoZapMessage
	}
	if cfg.EventIDHex() == "" {
		return ErrNoEvent
	}
	if balance < MinEnableBalance {
		return ErrNoFunds
	}
	for i, r := range cfg.Conditions {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("Unable to enable the bot. Condition %d is invalid: %w", i+1, err)
		}
	}
	return nil
}

// StatusReport renders the STATUS reply for a tenant.
func StatusReport(cfg *Config, defaultRelays []string, summary ledger.Summary) string {
	var help string
	setHelp := func(msg string) {
		if help == "" {
			help = msg
		}
	}

	relayCount := len(cfg.Relays)
	if relayCount == 0 {
		relayCount = len(defaultRelays)
	}
	if relayCount == 0 {
		setHelp("Use RELAYS ADD command to configure relays")
	}
	if len(cfg.Conditions) == 0 {
		setHelp("Use CONDITIONS ADD command to define a rule for zapping")
	}
	event := DisplayEventID(cfg.EventID)
	if event == "" {
		setHelp("Use the EVENT command to set the event to be monitored")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The bot is configured with %d relays, %d conditions", relayCount, len(cfg.Conditions))
	if event == "" {
		b.WriteString(", but has no event to monitor defined.")
	} else {
		fmt.Fprintf(&b, ", and monitoring the following event %s.", event)
	}
	fmt.Fprintf(&b, "\n\nResponses to the event matching conditions will be zapped up to %d", cfg.MaxZap())
	if cfg.ZapMessage != "" {
		fmt.Fprintf(&b, " with the following message: %s", cfg.ZapMessage)
	} else {
		setHelp("Use the ZAPMESSAGE command to set the comment to include in zaps")
	}
	b.WriteString("\n")
	b.WriteString(CreditsSummary(summary))
	if cfg.Enabled {
		b.WriteString("\nBot is enabled")
	} else {
		b.WriteString("\nBot is not currently enabled")
	}
	if help != "" {
		fmt.Fprintf(&b, "\n\n%s", help)
	}
	return b.String()
}

// CreditsSummary renders the ledger totals as a right-aligned table. Values
// are truncated to whole credits.
func CreditsSummary(s ledger.Summary) string {
	rows := []struct {
		label string
		mc    int64
	}{
		{string(ledger.CreditsApplied), s.CreditsApplied},
		{string(ledger.Zaps), s.Zaps},
		{string(ledger.RoutingFees), s.RoutingFees},
		{string(ledger.ServiceFees), s.ServiceFees},
		{"BALANCE", s.BalanceMCredits},
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "\n%18s: %8d", r.label, r.mc/1000)
	}
	return b.String()
}

// DisplayEventID renders a stored event id in bech32. Hex ids become note
// ids; bech32 ids are shown as stored.
func DisplayEventID(id string) string {
	hexID := NormalizeEventID(id)
	if hexID == "" {
		return ""
	}
	if strings.HasPrefix(id, "note1") || strings.HasPrefix(id, "nevent1") {
		return id
	}
	note, err := nip19.EncodeNote(hexID)
	if err != nil {
		return hexID
	}
	return note
}
