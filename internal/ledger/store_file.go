package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zapbot/pkg/jsonfile"
)

// FileStore keeps each tenant's ledger as a JSON array in
// <dir>/<tenant>.ledger.json. Archives go to <dir>/archive/.
type FileStore struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

func (s *FileStore) path(tenant string) string {
	return filepath.Join(s.dir, tenant+".ledger.json")
}

func (s *FileStore) load(tenant string) ([]Entry, error) {
	var entries []Entry
	if _, err := jsonfile.Load(s.path(tenant), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) Last(_ context.Context, tenant string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(tenant)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (s *FileStore) Append(_ context.Context, tenant string, entry Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(tenant)
	if err != nil {
		return 0, err
	}
	entries = append(entries, entry)
	if err := jsonfile.Save(s.path(tenant), entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *FileStore) Entries(_ context.Context, tenant string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(tenant)
}

func (s *FileStore) Rotate(_ context.Context, tenant string, live []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(tenant)
	if err != nil {
		return err
	}
	archive := s.archivePath(tenant)
	if err := jsonfile.Save(archive, entries); err != nil {
		return fmt.Errorf("archive ledger: %w", err)
	}
	return jsonfile.Save(s.path(tenant), live)
}

// archivePath names a new archive file, adding a sequence suffix when a
// rotation in the same instant already took the name.
func (s *FileStore) archivePath(tenant string) string {
	base := filepath.Join(s.dir, "archive", fmt.Sprintf("%s.ledger.%d", tenant, s.now().UnixNano()))
	name := base + ".json"
	for seq := 1; ; seq++ {
		if _, err := os.Stat(name); err != nil {
			return name
		}
		name = fmt.Sprintf("%s.%d.json", base, seq)
	}
}
