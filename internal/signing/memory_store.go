package signing

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MemoryStore keeps grants in memory, for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "grant and grant ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[grant.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "grant already exists")
	}
	if grant.CreatedAt == 0 {
		grant.CreatedAt = time.Now().Unix()
	}
	m.grants[grant.ID] = cloneGrant(grant)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return cloneGrant(grant), nil
}

// ListActiveByUser returns the user's unrevoked, unexpired grants.
func (m *MemoryStore) ListActiveByUser(_ context.Context, userID string) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	results := make([]*Grant, 0, 4)
	for _, grant := range m.grants {
		if grant.UserID != userID || !grant.Active(now) {
			continue
		}
		results = append(results, cloneGrant(grant))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// Revoke implements Store.
func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	grant.Revoked = true
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneGrant(grant *Grant) *Grant {
	clone := *grant
	clone.EncryptedKey = append([]byte(nil), grant.EncryptedKey...)
	if grant.EncryptionContext != nil {
		clone.EncryptionContext = make(map[string]string, len(grant.EncryptionContext))
		for key, value := range grant.EncryptionContext {
			clone.EncryptionContext[key] = value
		}
	}
	clone.Permissions.AllowedTargets = append([]string(nil), grant.Permissions.AllowedTargets...)
	if grant.Permissions.SpendLimits != nil {
		limits := *grant.Permissions.SpendLimits
		clone.Permissions.SpendLimits = &limits
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
