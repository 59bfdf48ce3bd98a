package matcher

import (
	"errors"
	"math/rand"
	"testing"
)

type fakeState struct {
	paid    map[string]bool
	winners map[string]int
}

func (f fakeState) HasBeenPaid(a string) bool { return f.paid[a] }
func (f fakeState) RandomWinners(key string) int { return f.winners[key] }

func emptyState() fakeState {
	return fakeState{paid: map[string]bool{}, winners: map[string]int{}}
}

func mustNew(t *testing.T, rules []Rule, excludes []string, seed int64) *Matcher {
	t.Helper()
	m, err := New(rules, excludes, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	return m
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want error
	}{
		{"valid", Rule{Amount: 21, RequiredPhrase: "gm"}, nil},
		{"negative amount", Rule{Amount: -1}, ErrNegativeAmount},
		{"negative limit", Rule{RandomWinnerLimit: -2}, ErrNegativeLimit},
		{"negative length", Rule{RequiredLength: -5}, ErrNegativeLength},
		{"bad regex", Rule{RequiredRegex: "(unclosed"}, ErrInvalidRegex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := New([]Rule{{Amount: -1}}, nil, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected New to reject invalid rule")
	}
}

func TestRuleKeyIsStable(t *testing.T) {
	a := Rule{Amount: 21, RequiredPhrase: "gm", RandomWinnerLimit: 3}
	b := a
	if a.Key() != b.Key() {
		t.Fatal("equal rules must share a key")
	}
	b.Amount = 22
	b.ReplyMessage = "congrats"
	if a.Key() != b.Key() {
		t.Fatal("editing amount or reply text must keep the key")
	}
	b.RequiredPhrase = "gn"
	if a.Key() == b.Key() {
		t.Fatal("different predicates must not share a key")
	}
	c := a
	c.RandomWinnerLimit = 5
	if a.Key() == c.Key() {
		t.Fatal("a new winner limit must get a new key")
	}
}

func TestPredicates(t *testing.T) {
	m := mustNew(t, []Rule{
		{RequiredLength: 5, RequiredPhrase: "GM", RequiredRegex: `nostr\w*`, Amount: 10},
	}, nil, 1)

	tests := []struct {
		content string
		match   bool
	}{
		{"gm nostrich", true},
		{"GM NOSTR", true},
		{"gm", false},
		{"hello nostr", false},
		{"gm friends", false},
	}
	for _, tt := range tests {
		out := m.Evaluate(Reply{ID: "e", Author: "a", Content: tt.content}, emptyState())
		if (out.Zap != nil) != tt.match {
			t.Fatalf("content %q: expected match=%v, got %+v", tt.content, tt.match, out)
		}
	}
}

func TestFirstMatchIndependentEffects(t *testing.T) {
	m := mustNew(t, []Rule{
		{RequiredPhrase: "gm", ReplyMessage: "Good morning!"},
		{RequiredPhrase: "gm", Amount: 21, ReplyMessage: "ignored"},
		{Amount: 50},
	}, nil, 1)

	out := m.Evaluate(Reply{ID: "e1", Author: "alice", Content: "gm"}, emptyState())
	if out.Zap == nil || out.Zap.Amount != 21 {
		t.Fatalf("expected zap of 21 from second rule, got %+v", out.Zap)
	}
	if out.Reply == nil || out.Reply.Message != "Good morning!" {
		t.Fatalf("expected first reply to win, got %+v", out.Reply)
	}
}

func TestPaidAuthorOnlyGetsReplies(t *testing.T) {
	m := mustNew(t, []Rule{
		{Amount: 21},
		{Amount: 5, ReplyMessage: "thanks again"},
	}, nil, 1)
	state := emptyState()
	state.paid["alice"] = true

	out := m.Evaluate(Reply{ID: "e", Author: "alice", Content: "hi"}, state)
	if out.Zap != nil {
		t.Fatalf("paid author must not be offered an amount, got %+v", out.Zap)
	}
	if out.Reply == nil || out.Reply.Message != "thanks again" {
		t.Fatalf("paid author should still get reply, got %+v", out.Reply)
	}
}

func TestExcludes(t *testing.T) {
	m := mustNew(t, nil, []string{"deadbeef", "Spam"}, 1)
	if !m.ExcludedAuthor("deadbeef") || m.ExcludedAuthor("cafe") {
		t.Fatal("author exclusion mismatch")
	}
	if !m.ExcludedContent("this is SPAMMY") || m.ExcludedContent("hello") {
		t.Fatal("content exclusion mismatch")
	}
}

func TestRandomWinnerNeverExceedsLimit(t *testing.T) {
	rule := Rule{Amount: 100, RandomWinnerLimit: 3}
	state := emptyState()

	for cycle := int64(0); cycle < 50; cycle++ {
		m := mustNew(t, []Rule{rule}, nil, cycle)
		accepted := 0
		for i := 0; i < 20; i++ {
			out := m.Evaluate(Reply{ID: "e", Author: "a", Content: "x"}, state)
			if out.Zap != nil {
				if !out.Zap.RandomWinner || out.Zap.RuleKey != rule.Key() {
					t.Fatalf("expected random-winner zap, got %+v", out.Zap)
				}
				accepted++
			}
		}
		state.winners[rule.Key()] += accepted
	}
	if got := state.winners[rule.Key()]; got > 3 {
		t.Fatalf("random winners %d exceed limit 3", got)
	}
}

func TestRejectedDrawSkipsWholeRule(t *testing.T) {
	rule := Rule{Amount: 100, RandomWinnerLimit: 1, ReplyMessage: "winner!"}
	state := emptyState()
	state.winners[rule.Key()] = 1

	m := mustNew(t, []Rule{rule, {ReplyMessage: "fallback"}}, nil, 1)
	out := m.Evaluate(Reply{ID: "e", Author: "a", Content: "x"}, state)
	if out.Zap != nil {
		t.Fatalf("exhausted rule must not zap, got %+v", out.Zap)
	}
	if out.Reply == nil || out.Reply.Message != "fallback" {
		t.Fatalf("expected fall through to next rule, got %+v", out.Reply)
	}
}

func TestReduceZapsKeepsHighestPerAuthor(t *testing.T) {
	in := []ZapCandidate{
		{EventID: "1", Author: "alice", Amount: 10, CreatedAt: 1},
		{EventID: "2", Author: "bob", Amount: 5, CreatedAt: 2},
		{EventID: "3", Author: "alice", Amount: 15, CreatedAt: 3},
		{EventID: "4", Author: "bob", Amount: 5, CreatedAt: 4},
	}
	out := ReduceZaps(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", out)
	}
	if out[0].EventID != "2" || out[1].EventID != "3" {
		t.Fatalf("expected bob's first (tie) and alice's 15 in time order, got %+v", out)
	}
}
