// Package matcher evaluates a tenant's ordered rule list against replies.
package matcher

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Reply is the part of a reply event the matcher looks at.
type Reply struct {
	ID        string
	Author    string
	Content   string
	CreatedAt int64
}

// ZapCandidate is a chosen amount effect.
type ZapCandidate struct {
	EventID      string
	Author       string
	Amount       int64
	CreatedAt    int64
	RandomWinner bool
	RuleKey      string
}

// ReplyCandidate is a chosen reply effect.
type ReplyCandidate struct {
	EventID string
	Author  string
	Message string
}

// Outcome holds at most one effect of each kind.
type Outcome struct {
	Zap   *ZapCandidate
	Reply *ReplyCandidate
}

// State is the campaign history the matcher consults.
type State interface {
	HasBeenPaid(author string) bool
	RandomWinners(ruleKey string) int
}

// Matcher evaluates replies of one batch. It remembers random winners
// accepted earlier in the same batch, so a fresh Matcher is needed per batch.
type Matcher struct {
	rules    []compiledRule
	excludes []string
	lowered  []string
	rng      *rand.Rand

	batchWinners map[string]int
}

// New compiles rules. excludes holds author pubkeys and content phrases.
func New(rules []Rule, excludes []string, rng *rand.Rand) (*Matcher, error) {
	m := &Matcher{
		excludes:     excludes,
		rng:          rng,
		batchWinners: make(map[string]int),
	}
	for i, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		m.rules = append(m.rules, c)
	}
	for _, e := range excludes {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			m.lowered = append(m.lowered, e)
		}
	}
	return m, nil
}

// ExcludedAuthor reports whether pubkey is on the exclude list.
func (m *Matcher) ExcludedAuthor(pubkey string) bool {
	for _, e := range m.excludes {
		if e == pubkey {
			return true
		}
	}
	return false
}

// ExcludedContent reports whether content contains any exclude phrase,
// ignoring case.
func (m *Matcher) ExcludedContent(content string) bool {
	lc := strings.ToLower(content)
	for _, e := range m.lowered {
		if strings.Contains(lc, e) {
			return true
		}
	}
	return false
}

// Evaluate folds the rule list over one reply. The first satisfied rule
// offering an amount picks the zap and the first offering a message picks
// the reply, independently of each other.
func (m *Matcher) Evaluate(r Reply, state State) Outcome {
	var out Outcome
	paid := state.HasBeenPaid(r.Author)
	lowered := strings.ToLower(r.Content)

	for _, rule := range m.rules {
		if out.Zap != nil && out.Reply != nil {
			break
		}
		if paid && rule.ReplyMessage == "" {
			continue
		}
		if !rule.satisfied(r.Content, lowered) {
			continue
		}

		amountAvailable := !paid && rule.Amount > 0 && out.Zap == nil
		if rule.RandomWinnerLimit > 0 && amountAvailable {
			if !m.draw(rule, state) {
				continue
			}
			out.Zap = &ZapCandidate{
				EventID:      r.ID,
				Author:       r.Author,
				Amount:       rule.Amount,
				CreatedAt:    r.CreatedAt,
				RandomWinner: true,
				RuleKey:      rule.key,
			}
		} else if amountAvailable {
			out.Zap = &ZapCandidate{
				EventID:   r.ID,
				Author:    r.Author,
				Amount:    rule.Amount,
				CreatedAt: r.CreatedAt,
			}
		}

		if rule.ReplyMessage != "" && out.Reply == nil {
			out.Reply = &ReplyCandidate{EventID: r.ID, Author: r.Author, Message: rule.ReplyMessage}
		}
	}
	return out
}

// draw accepts with probability remaining/limit. Accepted draws count
// against the rule until the limit is reached.
func (m *Matcher) draw(rule compiledRule, state State) bool {
	limit := rule.RandomWinnerLimit
	remaining := limit - state.RandomWinners(rule.key) - m.batchWinners[rule.key]
	if remaining <= 0 {
		return false
	}
	u := m.rng.Intn(100) + 1
	if u*limit > 100*remaining {
		return false
	}
	m.batchWinners[rule.key]++
	return true
}

// ReduceZaps keeps one candidate per author: the highest amount, ties going
// to the earliest. The result is in chronological order.
func ReduceZaps(candidates []ZapCandidate) []ZapCandidate {
	best := make(map[string]int)
	var order []string
	for i, c := range candidates {
		j, ok := best[c.Author]
		if !ok {
			best[c.Author] = i
			order = append(order, c.Author)
			continue
		}
		if c.Amount > candidates[j].Amount {
			best[c.Author] = i
		}
	}

	out := make([]ZapCandidate, 0, len(order))
	for _, author := range order {
		out = append(out, candidates[best[author]])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out
}
