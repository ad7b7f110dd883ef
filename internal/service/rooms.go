// Package service wires negotiation rooms to storage, transport and the AI
// advisor.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

// RoomConfig holds the session settings applied to every room.
type RoomConfig struct {
	Policy         negotiation.Policy
	QueueSize      int
	HistoryLimit   int
	PersistTimeout time.Duration
}

// RoomManager keeps one live session per contract. Rooms are opened lazily
// from the store and replayed before they accept commands.
type RoomManager struct {
	store       store.Store
	broadcaster negotiation.Broadcaster
	advisor     negotiation.Advisor
	cfg         RoomConfig
	logger      *logger.Logger

	opening singleflight.Group

	mu     sync.RWMutex
	rooms  map[string]*negotiation.Session
	closed bool
}

// NewRoomManager creates a room manager. broadcaster and advisor may be nil.
func NewRoomManager(st store.Store, broadcaster negotiation.Broadcaster, advisor negotiation.Advisor, cfg RoomConfig, log *logger.Logger) *RoomManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &RoomManager{
		store:       st,
		broadcaster: broadcaster,
		advisor:     advisor,
		cfg:         cfg,
		logger:      log,
		rooms:       make(map[string]*negotiation.Session),
	}
}

// Room returns the live session of a contract, opening it if needed.
func (m *RoomManager) Room(ctx context.Context, contractID string) (*negotiation.Session, error) {
	if s, err := m.lookup(contractID); s != nil || err != nil {
		return s, err
	}

	v, err, _ := m.opening.Do(contractID, func() (any, error) {
		if s, err := m.lookup(contractID); s != nil || err != nil {
			return s, err
		}
		s, err := m.open(ctx, contractID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = s.Close()
			return nil, fmt.Errorf("%w: room manager is shut down", negotiation.ErrSessionClosed)
		}
		m.rooms[contractID] = s
		metrics.RoomsActive.Inc()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*negotiation.Session), nil
}

func (m *RoomManager) lookup(contractID string) (*negotiation.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("%w: room manager is shut down", negotiation.ErrSessionClosed)
	}
	return m.rooms[contractID], nil
}

// open loads a contract and its log and replays it into a fresh session.
func (m *RoomManager) open(ctx context.Context, contractID string) (*negotiation.Session, error) {
	start := time.Now()
	contract, err := m.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.LoadEntries(ctx, contractID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load log of %s: %w", contractID, err)
	}

	s, err := negotiation.NewSession(contract, negotiation.Options{
		Policy:         m.cfg.Policy,
		QueueSize:      m.cfg.QueueSize,
		HistoryLimit:   m.cfg.HistoryLimit,
		PersistTimeout: m.cfg.PersistTimeout,
		Log:            m.store,
		Broadcaster:    m.broadcaster,
		Advisor:        m.advisor,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Restore(entries); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Start()

	m.logger.Info("room opened",
		zap.String("contract_id", contractID),
		zap.Int("entries", len(entries)),
		zap.String("state", string(s.Snapshot().State)),
		zap.Duration("took", time.Since(start)),
	)
	return s, nil
}

// Project replays the stored log of a contract that has no open room and
// returns its current contract view. No room is opened.
func (m *RoomManager) Project(ctx context.Context, contract model.Contract) (model.Contract, error) {
	entries, err := m.store.LoadEntries(ctx, contract.ID, 0)
	if err != nil {
		return model.Contract{}, fmt.Errorf("failed to load log of %s: %w", contract.ID, err)
	}
	if len(entries) == 0 {
		return contract, nil
	}
	s, err := negotiation.NewSession(contract, negotiation.Options{
		Policy:       m.cfg.Policy,
		HistoryLimit: m.cfg.HistoryLimit,
		Logger:       m.logger,
	})
	if err != nil {
		return model.Contract{}, err
	}
	defer s.Close()
	if err := s.Restore(entries); err != nil {
		return model.Contract{}, err
	}
	return s.Snapshot().Contract(), nil
}

// Loaded returns the session of a contract if it is already open.
func (m *RoomManager) Loaded(contractID string) (*negotiation.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rooms[contractID]
	return s, ok
}

// Evict closes a room. Its committed state stays in the store and it is
// reopened on next use.
func (m *RoomManager) Evict(contractID string) error {
	m.mu.Lock()
	s, ok := m.rooms[contractID]
	delete(m.rooms, contractID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.RoomsActive.Dec()
	return s.Close()
}

// Shutdown closes every room concurrently.
func (m *RoomManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[string]*negotiation.Session)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for id, s := range rooms {
		g.Go(func() error {
			defer metrics.RoomsActive.Dec()
			if err := s.Close(); err != nil {
				return fmt.Errorf("failed to close room %s: %w", id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		m.logger.Info("rooms closed", zap.Int("count", len(rooms)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
