package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

// Memory keeps everything in process. Used for development and tests.
type Memory struct {
	mu        sync.RWMutex
	contracts map[string]model.Contract
	entries   map[string][]model.Entry
	wipes     map[string]map[string]time.Time
	now       func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		contracts: make(map[string]model.Contract),
		entries:   make(map[string][]model.Entry),
		wipes:     make(map[string]map[string]time.Time),
		now:       time.Now,
	}
}

func (m *Memory) CreateContract(_ context.Context, c model.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
	}
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id string) (model.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return model.Contract{}, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListContracts(_ context.Context, limit, offset int) ([]model.Contract, error) {
	limit, offset = clampPage(limit, offset)

	m.mu.RLock()
	all := make([]model.Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		all = append(all, c)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) AppendEntry(_ context.Context, contractID string, entry model.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[contractID]; !ok {
		return fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	log := m.entries[contractID]
	if want := uint64(len(log)) + 1; entry.Sequence != want {
		return fmt.Errorf("entry %d, expected %d: %w", entry.Sequence, want, ErrConflict)
	}
	m.entries[contractID] = append(log, entry)
	return nil
}

func (m *Memory) LoadEntries(_ context.Context, contractID string, after uint64) ([]model.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.entries[contractID]
	if after >= uint64(len(log)) {
		return nil, nil
	}
	out := make([]model.Entry, len(log)-int(after))
	copy(out, log[after:])
	return out, nil
}

func (m *Memory) WipeMemory(_ context.Context, contractID, sectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wipes[contractID]
	if !ok {
		w = make(map[string]time.Time)
		m.wipes[contractID] = w
	}
	w[sectionID] = m.now().UTC()
	return nil
}

func (m *Memory) Wipes(_ context.Context, contractID string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.wipes[contractID]))
	for k, v := range m.wipes[contractID] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
