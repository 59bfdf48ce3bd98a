package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"zapbot/pkg/crypto"
	"zapbot/pkg/jsonfile"
)

var (
	ErrInvalidNpub = errors.New("invalid npub")
	ErrNotFound    = errors.New("tenant not found")
)

// Enabled pairs an enabled tenant with its monitored event id in hex.
type Enabled struct {
	Npub    string
	EventID string
}

// FileStore persists one JSON document per tenant at <dir>/<npub>.json.
// Bot nsec values are encrypted at rest when an encryptor is set.
type FileStore struct {
	dir string
	enc *crypto.FieldEncryptor
	mu  sync.Mutex
}

func NewFileStore(dir string, enc *crypto.FieldEncryptor) *FileStore {
	return &FileStore{dir: dir, enc: enc}
}

func validNpub(npub string) bool {
	if !strings.HasPrefix(npub, "npub1") {
		return false
	}
	prefix, _, err := nip19.Decode(npub)
	return err == nil && prefix == "npub"
}

func (s *FileStore) path(npub string) (string, error) {
	if !validNpub(npub) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNpub, npub)
	}
	return filepath.Join(s.dir, npub+".json"), nil
}

// List returns every tenant with a config file, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		npub := strings.TrimSuffix(name, ".json")
		if validNpub(npub) {
			out = append(out, npub)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Load returns the tenant's config, or a default config when none exists.
func (s *FileStore) Load(_ context.Context, npub string) (*Config, error) {
	return s.load(npub)
}

func (s *FileStore) load(npub string) (*Config, error) {
	path, err := s.path(npub)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig()
	if _, err := jsonfile.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", npub, err)
	}
	if cfg.Profile != nil {
		nsec, err := s.enc.Open(cfg.Profile.Nsec, npub)
		if err != nil {
			return nil, fmt.Errorf("decrypt nsec for %s: %w", npub, err)
		}
		cfg.Profile.Nsec = nsec
	}
	return cfg, nil
}

func (s *FileStore) Save(_ context.Context, npub string, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(npub, cfg)
}

func (s *FileStore) save(npub string, cfg *Config) error {
	path, err := s.path(npub)
	if err != nil {
		return err
	}
	out := *cfg
	if cfg.Profile != nil {
		p := *cfg.Profile
		nsec, err := s.enc.Seal(p.Nsec, npub)
		if err != nil {
			return fmt.Errorf("encrypt nsec for %s: %w", npub, err)
		}
		p.Nsec = nsec
		out.Profile = &p
	}
	if err := jsonfile.Save(path, &out); err != nil {
		return fmt.Errorf("save tenant %s: %w", npub, err)
	}
	return nil
}

// Update applies fn to the current config under the store lock and saves
// the result. Returning an error from fn aborts without writing.
func (s *FileStore) Update(_ context.Context, npub string, fn func(*Config) error) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load(npub)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := s.save(npub, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureProfile gives the tenant a bot identity with a fresh key if it has
// none yet.
func (s *FileStore) EnsureProfile(ctx context.Context, npub string, defaults Profile) (*Profile, error) {
	cfg, err := s.Update(ctx, npub, func(c *Config) error {
		if c.Profile != nil && c.Profile.Nsec != "" {
			return nil
		}
		p, err := NewProfile(defaults)
		if err != nil {
			return err
		}
		c.Profile = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg.Profile, nil
}

// NewProfile copies defaults and generates a new key pair.
func NewProfile(defaults Profile) (*Profile, error) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("encode nsec: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode npub: %w", err)
	}
	p := defaults
	p.Nsec = nsec
	p.Npub = npub
	return &p, nil
}

// Enabled lists enabled tenants that have a decodable monitored event.
func (s *FileStore) Enabled(ctx context.Context) ([]Enabled, error) {
	npubs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Enabled
	for _, npub := range npubs {
		cfg, err := s.Load(ctx, npub)
		if err != nil {
			return nil, err
		}
		if !cfg.Enabled {
			continue
		}
		id := cfg.EventIDHex()
		if id == "" {
			continue
		}
		out = append(out, Enabled{Npub: npub, EventID: id})
	}
	return out, nil
}
