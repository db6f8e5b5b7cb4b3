package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Manager opens and caches one SpaceStore per space, implementing the
// load(spaceId) -> SpaceHandle contract. A single Postgres connection
// pool backs every space; spaces are logically partitioned by space_id
// columns rather than separate schemas, which keeps Open cheap enough to
// call on every request.
type Manager struct {
	db  *gorm.DB
	log log.Logger

	mu     sync.Mutex
	spaces map[string]*SpaceStore
}

// NewManager opens the Postgres connection and runs the migrations for
// AllModels(). dsn is a standard libpq connection string.
func NewManager(dsn string, lg log.Logger) (*Manager, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Manager{db: db, log: lg, spaces: map[string]*SpaceStore{}}, nil
}

// Load returns the SpaceStore for spaceID, opening (and lazily creating) it
// on first use.
func (m *Manager) Load(ctx context.Context, spaceID string) (*SpaceStore, error) {
	m.mu.Lock()
	if s, ok := m.spaces[spaceID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := Open(ctx, m.db, spaceID, m.log)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.spaces[spaceID]; ok {
		return existing, nil
	}
	m.spaces[spaceID] = s
	return s, nil
}
