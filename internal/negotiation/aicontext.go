package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

// Turn is one entry of an AI role's conversational memory.
type Turn struct {
	SectionID string `json:"sectionId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	// Audience restricts a turn to one party's lawyer.
	Audience model.PartyRole `json:"audience,omitempty"`
	At       time.Time       `json:"at"`
}

// MemoryState is a read-only view of one role's memory for one section.
type MemoryState struct {
	SectionID           string       `json:"sectionId"`
	Role                model.AIRole `json:"role"`
	ContextInitialized  bool         `json:"contextInitialized"`
	LastWipeTimestamp   *time.Time   `json:"lastWipeTimestamp,omitempty"`
	ConversationHistory []Turn       `json:"conversationHistory"`
}

// Primer produces the seed turns of a freshly initialized context. It may
// block; cancelling ctx aborts initialization.
type Primer func(ctx context.Context) ([]Turn, error)

type contextState int

const (
	contextIdle contextState = iota
	contextInitializing
	contextReady
)

type roleMemory struct {
	state      contextState
	history    []Turn
	generation uint64
}

type sectionMemory struct {
	roles    map[model.AIRole]*roleMemory
	lastWipe *time.Time
}

// ContextManager binds each AI role's memory to exactly one section at a time.
type ContextManager struct {
	mu       sync.Mutex
	sections map[string]*sectionMemory
	bindings map[model.AIRole]string
	gen      uint64
	now      func() time.Time
}

// NewContextManager creates an empty manager.
func NewContextManager(now func() time.Time) *ContextManager {
	if now == nil {
		now = time.Now
	}
	return &ContextManager{
		sections: make(map[string]*sectionMemory),
		bindings: make(map[model.AIRole]string),
		now:      now,
	}
}

func (m *ContextManager) section(id string) *sectionMemory {
	sm, ok := m.sections[id]
	if !ok {
		sm = &sectionMemory{roles: make(map[model.AIRole]*roleMemory)}
		m.sections[id] = sm
	}
	return sm
}

func (m *ContextManager) role(sectionID string, role model.AIRole) *roleMemory {
	sm := m.section(sectionID)
	rm, ok := sm.roles[role]
	if !ok {
		rm = &roleMemory{}
		sm.roles[role] = rm
	}
	return rm
}

// Initialize binds role to sectionID and marks its context initialized. The
// optional primer runs without the lock held; if it fails or ctx ends first
// the context is rolled back to uninitialized. It returns the context
// generation used to detect stale AI results.
func (m *ContextManager) Initialize(ctx context.Context, sectionID string, role model.AIRole, prime Primer) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	rm := m.role(sectionID, role)
	if rm.state != contextIdle {
		m.mu.Unlock()
		return 0, newError(ErrAlreadyInitialized, "%s already initialized for section %q", role, sectionID)
	}
	if bound, ok := m.bindings[role]; ok && bound != sectionID {
		if other := m.sections[bound].roles[role]; other != nil && other.state != contextIdle {
			m.mu.Unlock()
			return 0, newError(ErrBoundElsewhere, "%s is bound to section %q", role, bound)
		}
	}
	m.gen++
	gen := m.gen
	rm.state = contextInitializing
	rm.history = nil
	rm.generation = gen
	m.bindings[role] = sectionID
	m.mu.Unlock()

	var seed []Turn
	var primeErr error
	if prime != nil {
		seed, primeErr = prime(ctx)
	}
	if primeErr == nil {
		primeErr = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rm.generation != gen || rm.state != contextInitializing {
		// Wiped while priming.
		return 0, newError(ErrNotInitialized, "%s context for section %q was wiped during initialization", role, sectionID)
	}
	if primeErr == nil {
		for i := range seed {
			if seed[i].SectionID == "" {
				seed[i].SectionID = sectionID
			}
			if seed[i].SectionID != sectionID {
				primeErr = newError(ErrCrossSection, "seed turn tagged %q for section %q", seed[i].SectionID, sectionID)
				break
			}
		}
	}
	if primeErr != nil {
		rm.state = contextIdle
		rm.history = nil
		if m.bindings[role] == sectionID {
			delete(m.bindings, role)
		}
		return 0, primeErr
	}
	rm.history = append(rm.history, seed...)
	rm.state = contextReady
	return gen, nil
}

// AppendTurn adds turn to one role's history for sectionID.
func (m *ContextManager) AppendTurn(ctx context.Context, sectionID string, role model.AIRole, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(sectionID, role, turn)
}

func (m *ContextManager) appendLocked(sectionID string, role model.AIRole, turn Turn) error {
	sm, ok := m.sections[sectionID]
	var rm *roleMemory
	if ok {
		rm = sm.roles[role]
	}
	if rm == nil || rm.state != contextReady || m.bindings[role] != sectionID {
		return newError(ErrNotInitialized, "%s has no initialized context for section %q", role, sectionID)
	}
	if turn.SectionID == "" {
		turn.SectionID = sectionID
	}
	if turn.SectionID != sectionID {
		return newError(ErrCrossSection, "turn tagged %q cannot enter %s memory for section %q", turn.SectionID, role, sectionID)
	}
	if turn.At.IsZero() {
		turn.At = m.now()
	}
	rm.history = append(rm.history, turn)
	return nil
}

// Record routes a turn to the roles allowed to see it. Shared human turns,
// mediator turns and system turns reach every initialized role; turns with an
// audience reach only that party's lawyer; a lawyer's turns stay in its own
// memory. Roles without an initialized context are skipped. It returns the
// roles that received the turn.
func (m *ContextManager) Record(ctx context.Context, sectionID string, turn Turn) ([]model.AIRole, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var targets []model.AIRole
	switch {
	case model.AIRole(turn.Author).IsLawyer():
		targets = []model.AIRole{model.AIRole(turn.Author)}
	case turn.Audience != "":
		targets = []model.AIRole{model.LawyerFor(turn.Audience)}
	default:
		targets = model.AIRoles
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var delivered []model.AIRole
	for _, role := range targets {
		err := m.appendLocked(sectionID, role, turn)
		if err == nil {
			delivered = append(delivered, role)
			continue
		}
		if CodeOf(err) == ErrNotInitialized.Code {
			continue
		}
		return delivered, err
	}
	return delivered, nil
}

// Wipe clears every role's memory for sectionID and unbinds those roles. It
// reports whether anything was cleared; wiping an already clean section is a
// no-op that leaves the last wipe timestamp untouched.
func (m *ContextManager) Wipe(sectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wipeLocked(sectionID)
}

func (m *ContextManager) wipeLocked(sectionID string) bool {
	sm, ok := m.sections[sectionID]
	if !ok {
		return false
	}
	dirty := false
	for _, rm := range sm.roles {
		if rm.state != contextIdle || len(rm.history) > 0 {
			dirty = true
			break
		}
	}
	if !dirty {
		return false
	}
	for role, rm := range sm.roles {
		m.gen++
		rm.generation = m.gen
		rm.state = contextIdle
		rm.history = nil
		if m.bindings[role] == sectionID {
			delete(m.bindings, role)
		}
	}
	now := m.now()
	sm.lastWipe = &now
	return true
}

// WipeAll clears every section, used on session teardown.
func (m *ContextManager) WipeAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wiped []string
	for id := range m.sections {
		if m.wipeLocked(id) {
			wiped = append(wiped, id)
		}
	}
	return wiped
}

// Binding returns the section role is currently bound to.
func (m *ContextManager) Binding(role model.AIRole) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bindings[role]
	return s, ok
}

// IsCurrent reports whether gen is still the live context of role on sectionID.
func (m *ContextManager) IsCurrent(sectionID string, role model.AIRole, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.sections[sectionID]
	if !ok {
		return false
	}
	rm := sm.roles[role]
	return rm != nil && rm.state == contextReady && rm.generation == gen && m.bindings[role] == sectionID
}

// BoundedHistory returns at most limit of the most recent turns of role on
// sectionID together with the context generation. It refuses sections the role
// is not bound to, so callers can never read out-of-binding history.
func (m *ContextManager) BoundedHistory(sectionID string, role model.AIRole, limit int) ([]Turn, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.sections[sectionID]
	var rm *roleMemory
	if ok {
		rm = sm.roles[role]
	}
	if rm == nil || rm.state != contextReady || m.bindings[role] != sectionID {
		return nil, 0, newError(ErrNotInitialized, "%s has no initialized context for section %q", role, sectionID)
	}
	h := rm.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Turn(nil), h...), rm.generation, nil
}

// Snapshot returns the memory state of role on sectionID.
func (m *ContextManager) Snapshot(sectionID string, role model.AIRole) MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MemoryState{SectionID: sectionID, Role: role, ConversationHistory: []Turn{}}
	sm, ok := m.sections[sectionID]
	if !ok {
		return st
	}
	if sm.lastWipe != nil {
		t := *sm.lastWipe
		st.LastWipeTimestamp = &t
	}
	if rm := sm.roles[role]; rm != nil {
		st.ContextInitialized = rm.state == contextReady
		st.ConversationHistory = append(st.ConversationHistory, rm.history...)
	}
	return st
}

// CheckIsolation verifies that no role holds turns from a section other than
// the one it is stored under, and that initialized contexts match bindings.
func (m *ContextManager) CheckIsolation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sectionID, sm := range m.sections {
		for role, rm := range sm.roles {
			for _, t := range rm.history {
				if t.SectionID != sectionID {
					return newError(ErrCrossSection, "%s memory for section %q holds a turn from %q", role, sectionID, t.SectionID)
				}
			}
			if rm.state != contextIdle && m.bindings[role] != sectionID {
				return newError(ErrBoundElsewhere, "%s has live context on %q but is bound to %q", role, sectionID, m.bindings[role])
			}
			if rm.state == contextIdle && len(rm.history) > 0 {
				return newError(ErrNotInitialized, "%s holds history for %q without an initialized context", role, sectionID)
			}
		}
	}
	return nil
}
