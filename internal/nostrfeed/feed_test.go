package nostrfeed

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
)

type fakeRelays struct {
	mu        sync.Mutex
	events    map[string][]*nostr.Event
	failQuery map[string]bool
	failPub   map[string]bool
	filters   []nostr.Filter
	published map[string][]nostr.Event
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{
		events:    map[string][]*nostr.Event{},
		failQuery: map[string]bool{},
		failPub:   map[string]bool{},
		published: map[string][]nostr.Event{},
	}
}

func (f *fakeRelays) Query(_ context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.failQuery[url] {
		return nil, errors.New("connection refused")
	}
	return f.events[url], nil
}

func (f *fakeRelays) Publish(_ context.Context, url string, ev nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub[url] {
		return errors.New("rejected")
	}
	f.published[url] = append(f.published[url], ev)
	return nil
}

func signed(t *testing.T, sk string, kind int, createdAt int64, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func TestVerifySignature(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	ev := signed(t, sk, nostr.KindTextNote, 100, "hello", nil)
	if !VerifySignature(ev) {
		t.Fatalf("expected valid signature")
	}

	tampered := *ev
	tampered.Content = "changed"
	if VerifySignature(&tampered) {
		t.Fatalf("expected tampered content to fail")
	}
	if VerifySignature(nil) {
		t.Fatalf("expected nil to fail")
	}
}

func TestGetSignedRepliesMergesAndFilters(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	post := "abc123"
	a := signed(t, sk, nostr.KindTextNote, 300, "late", nostr.Tags{{"e", post}})
	b := signed(t, sk, nostr.KindTextNote, 100, "early", nostr.Tags{{"e", post}})
	bad := signed(t, sk, nostr.KindTextNote, 200, "bad", nostr.Tags{{"e", post}})
	bad.Content = "forged"

	relays := newFakeRelays()
	relays.events["wss://one"] = []*nostr.Event{a, bad}
	relays.events["wss://two"] = []*nostr.Event{a, b}
	relays.failQuery["wss://three"] = true

	c := NewClient(relays, nil, 0, nil)
	got, err := c.GetSignedReplies(context.Background(), []string{"wss://one", "wss://two", "wss://three"}, post, 50, 500)
	if err != nil {
		t.Fatalf("GetSignedReplies: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatalf("expected ascending created_at order")
	}

	f := relays.filters[0]
	if f.Since == nil || *f.Since != 50 || f.Until == nil || *f.Until != 500 {
		t.Fatalf("unexpected window in filter: %+v", f)
	}
	if e := f.Tags["e"]; len(e) != 1 || e[0] != post {
		t.Fatalf("unexpected #e filter: %v", f.Tags)
	}
}

func TestQueryFailsWhenEveryRelayFails(t *testing.T) {
	relays := newFakeRelays()
	relays.failQuery["wss://one"] = true
	c := NewClient(relays, []string{"wss://one"}, 0, nil)
	if _, err := c.GetEvent(context.Background(), nil, "x"); err == nil {
		t.Fatalf("expected error")
	}

	empty := NewClient(relays, nil, 0, nil)
	if _, err := empty.GetEvent(context.Background(), nil, "x"); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
}

func TestGetEventAndProfile(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	note := signed(t, sk, nostr.KindTextNote, 10, "post", nil)
	old := signed(t, sk, nostr.KindProfileMetadata, 10, `{"lud16":"old@example.com"}`, nil)
	cur := signed(t, sk, nostr.KindProfileMetadata, 20, `{"lud16":"new@example.com"}`, nil)

	relays := newFakeRelays()
	relays.events["wss://one"] = []*nostr.Event{note}
	c := NewClient(relays, []string{"wss://one"}, 0, nil)

	got, err := c.GetEvent(context.Background(), nil, note.ID)
	if err != nil || got == nil || got.ID != note.ID {
		t.Fatalf("GetEvent: %v %v", got, err)
	}
	missing, err := c.GetEvent(context.Background(), nil, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing event, got %v %v", missing, err)
	}

	relays.events["wss://one"] = []*nostr.Event{cur, old}
	profile, err := c.FetchProfile(context.Background(), pub)
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if profile == nil || profile.ID != cur.ID {
		t.Fatalf("expected newest profile")
	}
}

func TestPublish(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	ev := signed(t, sk, nostr.KindTextNote, 10, "reply", nil)

	relays := newFakeRelays()
	relays.failPub["wss://bad"] = true
	c := NewClient(relays, []string{"wss://good", "wss://bad"}, 0, nil)

	if err := c.Publish(context.Background(), nil, ev); err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if len(relays.published["wss://good"]) != 1 {
		t.Fatalf("expected event on good relay")
	}
	if err := c.Publish(context.Background(), []string{"wss://bad"}, ev); err == nil {
		t.Fatalf("expected error when every relay rejects")
	}
}

func TestDirectMessage(t *testing.T) {
	botSK := nostr.GeneratePrivateKey()
	userSK := nostr.GeneratePrivateKey()
	userPub, _ := nostr.GetPublicKey(userSK)
	npub, err := nip19.EncodePublicKey(userPub)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}
	nsec, err := nip19.EncodePrivateKey(botSK)
	if err != nil {
		t.Fatalf("encode nsec: %v", err)
	}

	relays := newFakeRelays()
	c := NewClient(relays, []string{"wss://one"}, 0, nil)
	m, err := NewMessenger(c, nsec, nil)
	if err != nil {
		t.Fatalf("NewMessenger: %v", err)
	}

	m.SendDirectMessage(context.Background(), npub, "Invoice paid")

	sent := relays.published["wss://one"]
	if len(sent) != 1 {
		t.Fatalf("expected one DM, got %d", len(sent))
	}
	dm := sent[0]
	if dm.Kind != nostr.KindEncryptedDirectMessage {
		t.Fatalf("unexpected kind %d", dm.Kind)
	}
	if len(dm.Tags) != 1 || dm.Tags[0][0] != "p" || dm.Tags[0][1] != userPub {
		t.Fatalf("expected p tag for recipient, got %v", dm.Tags)
	}
	if !VerifySignature(&dm) {
		t.Fatalf("expected signed DM")
	}

	shared, err := nip04.ComputeSharedSecret(m.PublicKey(), userSK)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	plain, err := nip04.Decrypt(dm.Content, shared)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "Invoice paid" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestPublicKeyHex(t *testing.T) {
	if got, _ := PublicKeyHex("deadbeef"); got != "deadbeef" {
		t.Fatalf("expected hex passthrough")
	}
	if _, err := PublicKeyHex("npub1invalid"); err == nil {
		t.Fatalf("expected decode error")
	}
}
