// Package accounts resolves profile data for riders and drivers. Account
// registration lives elsewhere; this is the read side the dispatcher needs.
package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Lookup interface {
	Profile(ctx context.Context, party models.Actor) (models.Profile, error)
}

// MemoryDirectory is a Lookup backed by a map, filled by the onboarding endpoints.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[models.Actor]models.Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[models.Actor]models.Profile)}
}

func (m *MemoryDirectory) Put(party models.Actor, p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[party] = p
}

func (m *MemoryDirectory) Profile(_ context.Context, party models.Actor) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[party]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: profile %s", models.ErrNotFound, party)
	}
	return p, nil
}
