package eventstate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"zapbot/pkg/jsonfile"
)

// Part names one persisted component of a campaign.
type Part string

const (
	PartResponses     Part = "responses.json"
	PartParticipants  Part = "participants.json"
	PartPaid          Part = "paidnpubs.json"
	PartPaidAddresses Part = "paidluds.json"
	PartReplies       Part = "replies.json"
	PartUnzappable    Part = "unzappable.json"
)

// AllParts lists every part in write order.
var AllParts = []Part{PartResponses, PartParticipants, PartPaid, PartPaidAddresses, PartReplies, PartUnzappable}

var ErrInvalidKey = errors.New("eventstate: tenant and event id are required")

// Store loads and persists campaign bundles.
type Store interface {
	Load(ctx context.Context, tenant, eventID string) (*Campaign, error)
	// Save persists the named parts, or all parts when none are named.
	Save(ctx context.Context, c *Campaign, parts ...Part) error
}

// FileStore keeps each campaign under <dir>/<tenant>/<eventID>/.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) campaignDir(tenant, eventID string) (string, error) {
	if tenant == "" || eventID == "" {
		return "", ErrInvalidKey
	}
	for _, k := range []string{tenant, eventID} {
		if strings.ContainsAny(k, `/\`) || k == "." || k == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
	}
	return filepath.Join(s.dir, tenant, eventID), nil
}

func (s *FileStore) Load(_ context.Context, tenant, eventID string) (*Campaign, error) {
	dir, err := s.campaignDir(tenant, eventID)
	if err != nil {
		return nil, err
	}
	c := &Campaign{Tenant: tenant, EventID: eventID}
	for _, p := range AllParts {
		if _, err := jsonfile.Load(filepath.Join(dir, string(p)), c.target(p)); err != nil {
			return nil, err
		}
	}
	c.index()
	return c, nil
}

func (s *FileStore) Save(_ context.Context, c *Campaign, parts ...Part) error {
	dir, err := s.campaignDir(c.Tenant, c.EventID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		parts = AllParts
	}
	for _, p := range parts {
		if err := jsonfile.Save(filepath.Join(dir, string(p)), c.value(p)); err != nil {
			return fmt.Errorf("save %s: %w", p, err)
		}
	}
	return nil
}

func (c *Campaign) target(p Part) any {
	switch p {
	case PartResponses:
		return &c.Responses
	case PartParticipants:
		return &c.Participants
	case PartPaid:
		return &c.Paid
	case PartPaidAddresses:
		return &c.PaidAddresses
	case PartReplies:
		return &c.Replies
	case PartUnzappable:
		return &c.Unzappable
	}
	return nil
}

func (c *Campaign) value(p Part) any {
	switch p {
	case PartResponses:
		return nonNil(c.Responses)
	case PartParticipants:
		return nonNil(c.Participants)
	case PartPaid:
		return c.Paid
	case PartPaidAddresses:
		return c.PaidAddresses
	case PartReplies:
		return nonNil(c.Replies)
	case PartUnzappable:
		return c.Unzappable
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
