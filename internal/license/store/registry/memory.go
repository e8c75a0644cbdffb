package registry

import (
	"context"
	"sort"
	"sync"

	"keygate/internal/license/models"
	"keygate/pkg/platform/sentinel"
)

// InMemory is a map-backed registry for tests and single-process development
// runs. Seed licenses with Put; an unseeded store still answers lookups (as
// not found), mirroring a provisioned-but-empty table.
type InMemory struct {
	mu       sync.RWMutex
	licenses map[string]models.License
}

func NewInMemory() *InMemory {
	return &InMemory{licenses: make(map[string]models.License)}
}

// Put seeds or replaces a license row.
func (s *InMemory) Put(lic models.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[lic.KeyHash] = lic
}

func (s *InMemory) Lookup(_ context.Context, keyHash string) (*models.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.licenses[keyHash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &lic, nil
}

func (s *InMemory) List(_ context.Context) ([]*models.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.License, 0, len(s.licenses))
	for _, lic := range s.licenses {
		l := lic
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyHash < out[j].KeyHash })
	return out, nil
}

func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.licenses), nil
}
