// Package eventstate holds the per-campaign dedup state that makes repeated
// polling idempotent. A campaign is one tenant watching one monitored post.
package eventstate

import "time"

// PaidRecord is the payment made to one author for a campaign.
type PaidRecord struct {
	LightningID        string `json:"lightning_id"`
	AmountSat          int64  `json:"amount_sat"`
	PaymentTime        int64  `json:"payment_time"`
	PaymentTimeISO     string `json:"payment_time_iso"`
	RandomWinner       bool   `json:"randomWinner"`
	RandomWinnerRule   string `json:"random_winner_rule,omitempty"`
	PaymentVerifyURL   string `json:"payment_verify_url,omitempty"`
	PaymentStatus      string `json:"payment_status"`
	FeeMsat            int64  `json:"fee_msat"`
	PaymentHash        string `json:"payment_hash,omitempty"`
	ServiceFeeMCredits int64  `json:"service_fee_mcredits"`
}

// PaidAddress records a lightning address that has been paid.
type PaidAddress struct {
	AmountSat      int64  `json:"amount_sat"`
	PaymentTime    int64  `json:"payment_time"`
	PaymentTimeISO string `json:"payment_time_iso"`
}

// Campaign is the state bundle for (Tenant, EventID). It is not safe for
// concurrent use; a campaign has a single writer.
type Campaign struct {
	Tenant  string
	EventID string

	Responses     []string
	Participants  []string
	Paid          map[string]PaidRecord
	PaidAddresses map[string]PaidAddress
	Replies       []string
	Unzappable    map[string]string

	responses    map[string]struct{}
	participants map[string]struct{}
	replies      map[string]struct{}
}

// NewCampaign returns an empty bundle.
func NewCampaign(tenant, eventID string) *Campaign {
	c := &Campaign{Tenant: tenant, EventID: eventID}
	c.index()
	return c
}

func (c *Campaign) index() {
	if c.Paid == nil {
		c.Paid = make(map[string]PaidRecord)
	}
	if c.PaidAddresses == nil {
		c.PaidAddresses = make(map[string]PaidAddress)
	}
	if c.Unzappable == nil {
		c.Unzappable = make(map[string]string)
	}
	c.responses = toSet(c.Responses)
	c.participants = toSet(c.Participants)
	c.replies = toSet(c.Replies)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

func (c *Campaign) HasBeenProcessed(replyID string) bool {
	_, ok := c.responses[replyID]
	return ok
}

func (c *Campaign) MarkProcessed(replyID string) {
	if c.HasBeenProcessed(replyID) {
		return
	}
	c.responses[replyID] = struct{}{}
	c.Responses = append(c.Responses, replyID)
}

func (c *Campaign) HasBeenPaid(author string) bool {
	_, ok := c.Paid[author]
	return ok
}

// MarkPaid stores or overwrites the record for author.
func (c *Campaign) MarkPaid(author string, rec PaidRecord) {
	c.Paid[author] = rec
}

func (c *Campaign) HasAddressBeenPaid(address string) bool {
	_, ok := c.PaidAddresses[address]
	return ok
}

func (c *Campaign) MarkAddressPaid(address string, amountSat int64, at time.Time) {
	at = at.UTC()
	c.PaidAddresses[address] = PaidAddress{
		AmountSat:      amountSat,
		PaymentTime:    at.Unix(),
		PaymentTimeISO: at.Format(time.RFC3339),
	}
}

func (c *Campaign) HasBeenRepliedTo(replyID string) bool {
	_, ok := c.replies[replyID]
	return ok
}

func (c *Campaign) MarkRepliedTo(replyID string) {
	if c.HasBeenRepliedTo(replyID) {
		return
	}
	c.replies[replyID] = struct{}{}
	c.Replies = append(c.Replies, replyID)
}

// AddParticipant reports whether author was newly added.
func (c *Campaign) AddParticipant(author string) bool {
	if _, ok := c.participants[author]; ok {
		return false
	}
	c.participants[author] = struct{}{}
	c.Participants = append(c.Participants, author)
	return true
}

// MarkUnzappable records why author could not be paid.
func (c *Campaign) MarkUnzappable(author, reason string) {
	c.Unzappable[author] = reason
}

// RandomWinners counts paid records won under ruleKey.
func (c *Campaign) RandomWinners(ruleKey string) int {
	n := 0
	for _, rec := range c.Paid {
		if rec.RandomWinner && rec.RandomWinnerRule == ruleKey {
			n++
		}
	}
	return n
}

// SpentMCredits is the campaign spend: zap amounts, routing fees and service
// fees of every paid record plus replyFee per reply sent.
func (c *Campaign) SpentMCredits(replyFee int64) int64 {
	var spent int64
	for _, rec := range c.Paid {
		spent += rec.AmountSat*1000 + rec.FeeMsat + rec.ServiceFeeMCredits
	}
	return spent + int64(len(c.Replies))*replyFee
}
