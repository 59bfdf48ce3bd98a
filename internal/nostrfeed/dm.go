package nostrfeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/pkg/logging"
)

// PublicKeyHex accepts a hex pubkey or an npub.
func PublicKeyHex(key string) (string, error) {
	if !strings.HasPrefix(key, "npub1") {
		return key, nil
	}
	prefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub, got %s", prefix)
	}
	hex, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload %T", value)
	}
	return hex, nil
}

// SecretKeyHex accepts a hex secret key or an nsec.
func SecretKeyHex(key string) (string, error) {
	if !strings.HasPrefix(key, "nsec1") {
		return key, nil
	}
	prefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("decode nsec: %w", err)
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("expected nsec, got %s", prefix)
	}
	hex, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected nsec payload %T", value)
	}
	return hex, nil
}

// Messenger sends NIP-04 direct messages from the operator bot key.
type Messenger struct {
	client    *Client
	secretKey string
	pubkey    string
	logger    logging.Logger
}

func NewMessenger(client *Client, secretKey string, logger logging.Logger) (*Messenger, error) {
	sk, err := SecretKeyHex(secretKey)
	if err != nil {
		return nil, err
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive bot pubkey: %w", err)
	}
	return &Messenger{client: client, secretKey: sk, pubkey: pub, logger: logging.OrDiscard(logger)}, nil
}

// PublicKey is the bot's hex pubkey.
func (m *Messenger) PublicKey() string {
	return m.pubkey
}

// EncryptedDM builds a signed kind 4 event for recipient.
func (m *Messenger) EncryptedDM(recipient, text string) (*nostr.Event, error) {
	pub, err := PublicKeyHex(recipient)
	if err != nil {
		return nil, err
	}
	shared, err := nip04.ComputeSharedSecret(pub, m.secretKey)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	content, err := nip04.Encrypt(text, shared)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", pub}},
		Content:   content,
	}
	if err := ev.Sign(m.secretKey); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return ev, nil
}

// SendDirectMessage is fire and forget: failures are logged only.
func (m *Messenger) SendDirectMessage(ctx context.Context, recipient, text string) {
	ev, err := m.EncryptedDM(recipient, text)
	if err != nil {
		m.logger.WithError(err).WithField("recipient", recipient).Warn("Failed to build direct message")
		return
	}
	if err := m.client.Publish(ctx, nil, ev); err != nil {
		m.logger.WithError(err).WithField("recipient", recipient).Warn("Failed to send direct message")
		return
	}
	m.logger.WithField("recipient", recipient).Debug("Sent direct message")
}
