package contacts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]Contact
	identities map[string]string // "platform\x00external_id" -> contact id
}

// NewMemoryStore constructs an empty in-memory contacts store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[string]Contact{},
		identities: map[string]string{},
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func identityKey(platform, externalID string) string {
	return platform + "\x00" + externalID
}

func (s *MemoryStore) Resolve(ctx context.Context, platform, externalID string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[identityKey(platform, externalID)]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) EnsurePlaceholder(ctx context.Context, platform, externalID string) (Contact, error) {
	if c, err := s.Resolve(ctx, platform, externalID); err == nil {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under write lock in case of a concurrent creator.
	if id, ok := s.identities[identityKey(platform, externalID)]; ok {
		return s.byID[id], nil
	}
	alias := strings.TrimSpace(externalID)
	id := uuid.NewString()
	if alias == "" {
		alias = id
	}
	c := Contact{ID: id, Aliases: []string{alias}, CreatedAt: time.Now().UTC()}
	s.byID[id] = c
	s.identities[identityKey(platform, externalID)] = id
	return c, nil
}

func (s *MemoryStore) Link(ctx context.Context, contactID, platform, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identityKey(platform, externalID)] = contactID
	return nil
}
