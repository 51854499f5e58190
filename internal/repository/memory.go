package repository

import (
	"context"
	"sync"

	"github.com/stagelink/stagelink-server/internal/linkage"
)

// memoryRepository is a mutex-guarded in-memory store. It backs tests and
// database-less deployments; links do not survive a restart.
type memoryRepository struct {
	mu    sync.RWMutex
	links map[string]linkage.Link
}

// NewMemory creates an empty in-memory repository.
func NewMemory() Repository {
	return &memoryRepository{
		links: make(map[string]linkage.Link),
	}
}

func (m *memoryRepository) LoadAll(_ context.Context) ([]linkage.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]linkage.Link, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, link)
	}
	return out, nil
}

func (m *memoryRepository) Upsert(_ context.Context, link linkage.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.SessionID] = link
	return nil
}

func (m *memoryRepository) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, sessionID)
	return nil
}
