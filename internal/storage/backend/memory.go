package backend

import (
	"context"
	"strconv"
	"sync"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Memory keeps the collection in process memory. Its version is a counter.
//
// The zero value is an empty store with no document.
type Memory struct {
	mu      sync.Mutex
	items   []entity.Record
	exists  bool
	counter int64
}

// Name implements Backend.
func (m *Memory) Name() string {
	return "memory"
}

// Fetch implements Backend.
func (m *Memory) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("fetch", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return nil, ErrNotFound
	}
	return &Snapshot{Items: entity.CloneAll(m.items), Version: m.version()}, nil
}

// Commit implements Backend.
func (m *Memory) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable("commit", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkPrecondition(expected, m.version(), m.exists); err != nil {
		return "", err
	}
	m.items = entity.CloneAll(items)
	m.exists = true
	m.counter++
	return m.version(), nil
}

func (m *Memory) version() Version {
	if !m.exists {
		return ""
	}
	return Version(strconv.FormatInt(m.counter, 10))
}
