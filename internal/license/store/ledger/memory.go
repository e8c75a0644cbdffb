package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"keygate/internal/license/models"
	"keygate/pkg/platform/sentinel"
)

// InMemory is a map-backed activation ledger for tests and single-process
// development runs. One mutex covers the whole map, which trivially gives the
// per-license serialization that Admit requires.
type InMemory struct {
	mu sync.RWMutex
	// key hash -> device id -> activation
	activations map[string]map[string]models.Activation
}

func NewInMemory() *InMemory {
	return &InMemory{activations: make(map[string]map[string]models.Activation)}
}

func (s *InMemory) Admit(_ context.Context, act *models.Activation, maxDevices int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.activations[act.KeyHash]
	if _, present := devices[act.DeviceID]; !present && len(devices) >= maxDevices {
		return sentinel.ErrConflict
	}
	if devices == nil {
		devices = make(map[string]models.Activation)
		s.activations[act.KeyHash] = devices
	}
	devices[act.DeviceID] = *act
	return nil
}

func (s *InMemory) FindByToken(_ context.Context, token, deviceID string) (*models.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, devices := range s.activations {
		if act, ok := devices[deviceID]; ok && act.Token == token {
			found := act
			return &found, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Renew(_ context.Context, token, deviceID string, expiresAt time.Time) (*models.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, devices := range s.activations {
		if act, ok := devices[deviceID]; ok && act.Token == token {
			act.ExpiresAt = expiresAt
			devices[deviceID] = act
			found := act
			return &found, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) CountDevices(_ context.Context, keyHash string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activations[keyHash]), nil
}

func (s *InMemory) ListRecent(_ context.Context, limit int) ([]*models.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var acts []*models.Activation
	for _, devices := range s.activations {
		for _, act := range devices {
			a := act
			acts = append(acts, &a)
		}
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].ActivatedAt.After(acts[j].ActivatedAt) })
	if limit > 0 && len(acts) > limit {
		acts = acts[:limit]
	}
	return acts, nil
}
