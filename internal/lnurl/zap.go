package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"zapbot/pkg/logging"
)

// BuildZapRequest returns a signed kind 9734 zap request.
func BuildZapRequest(secretKey string, relays []string, amountSat int64, lnurl, recipient, eventID, content string) (*nostr.Event, error) {
	relayTag := nostr.Tag{"relays"}
	relayTag = append(relayTag, relays...)

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZapRequest,
		Tags: nostr.Tags{
			relayTag,
			{"amount", strconv.FormatInt(amountSat*1000, 10)},
			{"lnurl", lnurl},
			{"p", recipient},
			{"e", eventID},
		},
		Content: content,
	}
	if err := ev.Sign(secretKey); err != nil {
		return nil, fmt.Errorf("sign zap request: %w", err)
	}
	return ev, nil
}

// RequestInvoice asks the provider's callback for an invoice paying
// amountSat for zapRequest.
func (c *Client) RequestInvoice(ctx context.Context, info *PayInfo, amountSat int64, zapRequest *nostr.Event) (*InvoiceResponse, error) {
	encoded, err := json.Marshal(zapRequest)
	if err != nil {
		return nil, fmt.Errorf("encode zap request: %w", err)
	}

	var inv InvoiceResponse
	if err := c.getJSON(ctx, CallbackURL(info.Callback, amountSat, encoded, info.LNURL), &inv); err != nil {
		return nil, err
	}
	if inv.Status == "ERROR" {
		reason := inv.Reason
		if reason == "" {
			reason = "unreported reason"
		}
		c.logger.WithFields(logging.Fields{
			"lightning_id": info.Address,
			"reason":       reason,
		}).Warn("Invoice request error")
		return nil, fmt.Errorf("%w: %s", ErrInvalidInvoice, reason)
	}
	if inv.PR == "" {
		return nil, fmt.Errorf("%w: response has no pr", ErrInvalidInvoice)
	}
	return &inv, nil
}
