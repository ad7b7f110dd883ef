package negotiation

import (
	"sort"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

// phase is the reduced state of a section's event history.
type phase int

const (
	phaseIdle phase = iota
	phaseOpen
	phaseAgreed
	phaseConflicted
)

type sectionState struct {
	section  model.Section
	phase    phase
	proposal *model.NegotiationEvent
	// positions holds each party's latest accepted proposal id.
	positions map[model.PartyRole]string
}

// Transition describes the effect of one applied event.
type Transition struct {
	SectionID string
	From      model.SectionStatus
	To        model.SectionStatus
	Agreed    bool
	Reopened  bool
	Duplicate bool
}

// Registry holds the ordered contract sections and derives their status from
// the applied event log. It is not safe for concurrent use; the owning session
// serializes access.
type Registry struct {
	sections []*sectionState
	index    map[string]int
	current  int
	seen     map[string]struct{}
	policy   Policy

	// OnAgreed runs synchronously when a section enters agreed, before the
	// event counts as applied.
	OnAgreed func(sectionID string)
}

// NewRegistry builds a registry from template sections. Sections start pending
// with empty history regardless of the input; history is rebuilt by replay.
func NewRegistry(sections []model.Section, policy Policy) (*Registry, error) {
	if len(sections) == 0 {
		return nil, newError(ErrInvalidEvent, "contract has no sections")
	}
	sorted := make([]model.Section, len(sections))
	copy(sorted, sections)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	r := &Registry{
		index:   make(map[string]int, len(sorted)),
		current: -1,
		seen:    make(map[string]struct{}),
		policy:  policy,
	}
	for i, sec := range sorted {
		if sec.Order != i+1 {
			return nil, newError(ErrInvalidEvent, "section orders must be unique and contiguous from 1, got %d at position %d", sec.Order, i+1)
		}
		if sec.ID == "" {
			return nil, newError(ErrInvalidEvent, "section at order %d has no id", sec.Order)
		}
		if _, dup := r.index[sec.ID]; dup {
			return nil, newError(ErrInvalidEvent, "duplicate section id %q", sec.ID)
		}
		sec.Status = model.SectionPending
		sec.NegotiationHistory = nil
		sec.AIMemoryWiped = false
		r.index[sec.ID] = i
		r.sections = append(r.sections, &sectionState{
			section:   sec,
			positions: make(map[model.PartyRole]string),
		})
	}
	return r, nil
}

// Len returns the number of sections.
func (r *Registry) Len() int { return len(r.sections) }

// CurrentIndex returns the index of the current section, or -1.
func (r *Registry) CurrentIndex() int { return r.current }

// Current returns the current section.
func (r *Registry) Current() (model.Section, bool) {
	if r.current < 0 {
		return model.Section{}, false
	}
	return r.view(r.current), true
}

// Section returns a copy of the section with id.
func (r *Registry) Section(id string) (model.Section, bool) {
	i, ok := r.index[id]
	if !ok {
		return model.Section{}, false
	}
	return r.view(i), true
}

// Status returns the visible status of a section.
func (r *Registry) Status(id string) (model.SectionStatus, bool) {
	i, ok := r.index[id]
	if !ok {
		return "", false
	}
	return r.statusAt(i), true
}

// Sections returns copies of every section in order.
func (r *Registry) Sections() []model.Section {
	out := make([]model.Section, len(r.sections))
	for i := range r.sections {
		out[i] = r.view(i)
	}
	return out
}

// AllAgreed reports whether every section is agreed.
func (r *Registry) AllAgreed() bool {
	for _, s := range r.sections {
		if s.phase != phaseAgreed {
			return false
		}
	}
	return true
}

// AnyConflicted reports whether any section is conflicted.
func (r *Registry) AnyConflicted() bool {
	for _, s := range r.sections {
		if s.phase == phaseConflicted {
			return true
		}
	}
	return false
}

// Seen reports whether an event id has already been applied.
func (r *Registry) Seen(eventID string) bool {
	_, ok := r.seen[eventID]
	return ok
}

// Start focuses the first section that is not agreed. It returns false when
// every section is agreed.
func (r *Registry) Start() bool {
	return r.focusFirstOpen()
}

// Advance moves the current pointer to the next section after it that is not
// agreed. It is a no-op (false, nil) while any section is conflicted, even at
// the last section, and otherwise fails with ErrOutOfRange when no such
// section exists.
func (r *Registry) Advance() (bool, error) {
	next, err := r.PeekAdvance()
	if err != nil || next < 0 {
		return false, err
	}
	r.current = next
	return true, nil
}

// PeekAdvance reports where Advance would move without moving. It returns -1
// when advancing is blocked by a conflicted section.
func (r *Registry) PeekAdvance() (int, error) {
	if r.AnyConflicted() {
		return -1, nil
	}
	next := -1
	if r.current >= 0 {
		for i := r.current + 1; i < len(r.sections); i++ {
			if r.sections[i].phase != phaseAgreed {
				next = i
				break
			}
		}
	}
	if next < 0 {
		return -1, newError(ErrOutOfRange, "no section left after the current one")
	}
	return next, nil
}

// Focus makes sectionID the current section.
func (r *Registry) Focus(sectionID string) bool {
	i, ok := r.index[sectionID]
	if !ok {
		return false
	}
	r.current = i
	return true
}

// FocusNextOpen moves to the first non-agreed section after the current one,
// wrapping to the start. Unlike Advance it is not blocked by conflicts. It
// returns false and releases the pointer when every section is agreed.
func (r *Registry) FocusNextOpen() bool {
	n := len(r.sections)
	start := r.current + 1
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if r.sections[i].phase != phaseAgreed {
			r.current = i
			return true
		}
	}
	r.current = -1
	return false
}

// Release clears the current pointer.
func (r *Registry) Release() { r.current = -1 }

func (r *Registry) focusFirstOpen() bool {
	r.current = r.firstOpen()
	return r.current >= 0
}

func (r *Registry) firstOpen() int {
	for i, s := range r.sections {
		if s.phase != phaseAgreed {
			return i
		}
	}
	return -1
}

// Opening returns the section Start would focus.
func (r *Registry) Opening() (model.Section, bool) {
	i := r.firstOpen()
	if i < 0 {
		return model.Section{}, false
	}
	return r.view(i), true
}

// Check validates ev against the reduced section state without mutating
// anything. It returns duplicate=true for an event id that was already applied.
func (r *Registry) Check(ev model.NegotiationEvent) (duplicate bool, err error) {
	if ev.ID == "" {
		return false, newError(ErrInvalidEvent, "event id is required")
	}
	if !ev.Type.Valid() {
		return false, newError(ErrInvalidEvent, "unknown event type %q", ev.Type)
	}
	if !ev.PerformedBy.IsHuman() {
		return false, newError(ErrUnknownParty, "events must be performed by a negotiating party, got %q", ev.PerformedBy)
	}
	i, ok := r.index[ev.SectionID]
	if !ok {
		return false, newError(ErrUnknownSection, "unknown section %q", ev.SectionID)
	}
	if r.Seen(ev.ID) {
		return true, nil
	}

	s := r.sections[i]
	switch ev.Type {
	case model.EventProposal:
		if s.phase == phaseAgreed {
			return false, newError(ErrSectionNotActive, "section %q is agreed; reopen it with a rejection or counter first", ev.SectionID)
		}
	case model.EventAcceptance:
		ref := ev.ProposalRef()
		if ref == "" {
			return false, newError(ErrInvalidEvent, "acceptance must reference a proposal id in data.%s", model.DataProposalID)
		}
		if s.phase != phaseOpen || s.proposal == nil {
			return false, newError(ErrStaleProposal, "section %q has no open proposal", ev.SectionID)
		}
		if ref != s.proposal.ID {
			return false, newError(ErrStaleProposal, "proposal %q is not the latest proposal %q", ref, s.proposal.ID)
		}
	}
	return false, nil
}

// Apply validates and applies ev. Applying an already seen event id is a
// no-op that reports Duplicate.
func (r *Registry) Apply(ev model.NegotiationEvent) (Transition, error) {
	dup, err := r.Check(ev)
	if err != nil {
		return Transition{}, err
	}
	i := r.index[ev.SectionID]
	before := r.statusAt(i)
	if dup {
		return Transition{SectionID: ev.SectionID, From: before, To: before, Duplicate: true}, nil
	}

	s := r.sections[i]
	r.seen[ev.ID] = struct{}{}
	s.section.NegotiationHistory = append(s.section.NegotiationHistory, ev)
	wasAgreed := s.phase == phaseAgreed

	switch ev.Type {
	case model.EventProposal:
		p := ev
		s.phase = phaseOpen
		s.proposal = &p
		s.positions = make(map[model.PartyRole]string, 2)
		if r.policy.ProposerAcceptsImplicitly {
			s.positions[ev.PerformedBy] = ev.ID
		}
	case model.EventAcceptance:
		s.positions[ev.PerformedBy] = ev.ProposalRef()
		if r.bothAccepted(s) {
			r.agree(s)
		}
	case model.EventRejection, model.EventCounter:
		s.phase = phaseConflicted
		s.positions = make(map[model.PartyRole]string, 2)
	case model.EventComment:
	}

	after := r.statusAt(i)
	return Transition{
		SectionID: ev.SectionID,
		From:      before,
		To:        after,
		Agreed:    !wasAgreed && s.phase == phaseAgreed,
		Reopened:  wasAgreed && s.phase != phaseAgreed,
	}, nil
}

func (r *Registry) bothAccepted(s *sectionState) bool {
	for _, role := range model.HumanRoles {
		if s.positions[role] != s.proposal.ID {
			return false
		}
	}
	return true
}

func (r *Registry) agree(s *sectionState) {
	s.phase = phaseAgreed
	p := s.proposal
	if text, ok := p.ProposedContent(); ok {
		s.section.Content.Text = text
	}
	if terms, ok := p.ProposedKeyTerms(); ok {
		s.section.KeyTerms = terms
	}
	s.section.LastModifiedBy = p.PerformedBy
	s.section.AIMemoryWiped = true
	if r.OnAgreed != nil {
		r.OnAgreed(s.section.ID)
	}
}

// statusAt derives the visible status. Open and idle sections read as
// discussing only while current, so at most one section is discussing.
func (r *Registry) statusAt(i int) model.SectionStatus {
	switch r.sections[i].phase {
	case phaseAgreed:
		return model.SectionAgreed
	case phaseConflicted:
		return model.SectionConflicted
	}
	if i == r.current {
		return model.SectionDiscussing
	}
	return model.SectionPending
}

func (r *Registry) view(i int) model.Section {
	s := r.sections[i]
	out := s.section
	out.Status = r.statusAt(i)
	out.KeyTerms = append([]model.KeyTerm(nil), s.section.KeyTerms...)
	out.NegotiationHistory = append([]model.NegotiationEvent(nil), s.section.NegotiationHistory...)
	return out
}
