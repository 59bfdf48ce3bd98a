package matcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrNegativeLimit  = errors.New("randomWinnerLimit must not be negative")
	ErrNegativeLength = errors.New("requiredLength must not be negative")
	ErrInvalidRegex   = errors.New("requiredRegex does not compile")
)

// Rule is one entry of a tenant's ordered condition list. Zero-valued
// predicates are not checked; zero-valued effects are not offered.
type Rule struct {
	RequiredLength    int    `json:"requiredLength,omitempty"`
	RequiredPhrase    string `json:"requiredPhrase,omitempty"`
	RequiredRegex     string `json:"requiredRegex,omitempty"`
	Amount            int64  `json:"amount"`
	ReplyMessage      string `json:"replyMessage,omitempty"`
	RandomWinnerLimit int    `json:"randomWinnerLimit,omitempty"`
}

// Validate reports the first constraint the rule violates.
func (r Rule) Validate() error {
	if r.Amount < 0 {
		return ErrNegativeAmount
	}
	if r.RandomWinnerLimit < 0 {
		return ErrNegativeLimit
	}
	if r.RequiredLength < 0 {
		return ErrNegativeLength
	}
	if r.RequiredRegex != "" {
		if _, err := regexp.Compile("(?i)" + r.RequiredRegex); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRegex, err)
		}
	}
	return nil
}

// Key is a stable fingerprint of the rule's predicates and winner limit.
// Random-winner counts are stored against it, so reordering the list or
// editing the amount or reply text keeps each rule's count.
func (r Rule) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "len=%d\x00phrase=%s\x00regex=%s\x00limit=%d",
		r.RequiredLength, r.RequiredPhrase, r.RequiredRegex, r.RandomWinnerLimit)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type compiledRule struct {
	Rule
	key   string
	re    *regexp.Regexp
	lower string
}

func compile(r Rule) (compiledRule, error) {
	if err := r.Validate(); err != nil {
		return compiledRule{}, err
	}
	c := compiledRule{Rule: r, key: r.Key(), lower: strings.ToLower(r.RequiredPhrase)}
	if r.RequiredRegex != "" {
		c.re = regexp.MustCompile("(?i)" + r.RequiredRegex)
	}
	return c, nil
}

// satisfied reports whether every declared predicate passes.
func (c compiledRule) satisfied(content, lowered string) bool {
	if c.RequiredLength > 0 && utf8.RuneCountInString(content) < c.RequiredLength {
		return false
	}
	if c.lower != "" && !strings.Contains(lowered, c.lower) {
		return false
	}
	if c.re != nil && !c.re.MatchString(content) {
		return false
	}
	return true
}
