package negotiation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

// execute validates entry against the current state, commits it and applies
// its effects. It is the only path that mutates a session, shared by live
// commands and Restore. An entry returned with sequence 0 was accepted
// without being committed.
func (s *Session) execute(entry model.Entry) (model.Entry, error) {
	if s.state.Terminal() {
		return entry, newError(ErrSessionClosed, "session %s is %s", s.id, s.state)
	}
	switch {
	case entry.Type == model.EnvelopeControl && entry.Control != nil:
		return s.execControl(entry)
	case entry.Type == model.EnvelopeChat && entry.Message != nil:
		return s.execChat(entry)
	case entry.Type == model.EnvelopeNegotiationEvent && entry.Event != nil:
		return s.execEvent(entry)
	}
	return entry, newError(ErrInvalidEvent, "entry of type %q has no matching payload", entry.Type)
}

// commit persists entry and appends it to the log. Nothing is applied when
// persistence fails.
func (s *Session) commit(entry model.Entry) (model.Entry, error) {
	entry.Sequence = s.seq + 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.opts.Now()
	}
	if !s.restoring && s.opts.Log != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.PersistTimeout)
		err := s.opts.Log.AppendEntry(ctx, s.id, entry)
		cancel()
		if err != nil {
			s.log.Error("failed to persist entry", zap.Uint64("sequence", entry.Sequence), zap.Error(err))
			return model.Entry{}, wrapError(ErrPersistence, err, "failed to persist entry %d", entry.Sequence)
		}
	}
	s.seq = entry.Sequence
	s.entries = append(s.entries, entry)
	s.updatedAt = entry.CreatedAt
	if !s.restoring {
		s.pending = append(s.pending, entry)
		if entry.Event != nil {
			metrics.NegotiationEventsTotal.WithLabelValues(string(entry.Event.Type)).Inc()
		}
	}
	return entry, nil
}

// requireParty checks that role is a seated human party.
func (s *Session) requireParty(role model.PartyRole) error {
	if !role.IsHuman() {
		return newError(ErrUnknownParty, "%q is not a negotiating party", role)
	}
	p, ok := s.parties[role]
	if !ok {
		if s.state == StateInitializing {
			return newError(ErrPartyMissing, "%s has not joined", role)
		}
		return newError(ErrUnknownParty, "%s has not joined", role)
	}
	if !p.IsActive {
		return newError(ErrPartyMissing, "%s has left the room; join again to continue", role)
	}
	return nil
}

func (s *Session) execControl(entry model.Entry) (model.Entry, error) {
	c := *entry.Control
	switch c.Action {
	case model.ControlJoin:
		return s.execJoin(entry, c)
	case model.ControlLeave:
		return s.execLeave(entry, c)
	case model.ControlAdvance:
		return s.execAdvance(entry, c)
	case model.ControlSign:
		return s.execSign(entry, c)
	case model.ControlAbandon:
		return s.execAbandon(entry, c)
	}
	return entry, newError(ErrInvalidEvent, "unknown control action %q", c.Action)
}

func (s *Session) execJoin(entry model.Entry, c model.Control) (model.Entry, error) {
	if !c.Role.IsHuman() {
		return entry, newError(ErrUnknownParty, "seat %q cannot be taken by a user", c.Role)
	}
	if c.UserRef == "" {
		return entry, newError(ErrInvalidEvent, "join requires a user reference")
	}
	for role, p := range s.parties {
		if role != c.Role && p.UserRef == c.UserRef {
			return entry, newError(ErrSeatTaken, "user already holds the %s seat", role)
		}
	}

	party := model.Party{ID: c.PartyID, Role: c.Role, UserRef: c.UserRef, JoinedAt: c.CreatedAt, IsActive: true}
	if p, ok := s.parties[c.Role]; ok {
		if p.UserRef != c.UserRef {
			return entry, newError(ErrSeatTaken, "the %s seat is taken", c.Role)
		}
		if p.IsActive {
			return model.Entry{}, nil
		}
		party.ID = p.ID
		party.JoinedAt = p.JoinedAt
		c.PartyID = p.ID
		entry.Control = &c
	} else if s.state != StateInitializing {
		return entry, newError(ErrSeatTaken, "negotiation already started")
	}

	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}
	s.parties[c.Role] = party
	s.log.Info("party joined", zap.String("role", string(c.Role)), zap.String("party_id", party.ID))

	if s.state == StateInitializing && len(s.parties) == len(model.HumanRoles) {
		s.activate()
	}
	return committed, nil
}

func (s *Session) execLeave(entry model.Entry, c model.Control) (model.Entry, error) {
	p, ok := s.parties[c.Role]
	if !ok {
		return entry, newError(ErrUnknownParty, "%s has not joined", c.Role)
	}
	if !p.IsActive {
		return model.Entry{}, nil
	}
	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}
	p.IsActive = false
	s.parties[c.Role] = p
	s.dropBuffered(c.Role)
	return committed, nil
}

// dropBuffered discards what role queued before negotiation started.
func (s *Session) dropBuffered(role model.PartyRole) {
	kept := s.buffered[:0]
	for _, e := range s.buffered {
		switch {
		case e.Event != nil && e.Event.PerformedBy == role:
		case e.Message != nil && e.Message.AuthorParty() == role:
		default:
			kept = append(kept, e)
		}
	}
	s.buffered = kept
}

func (s *Session) execAdvance(entry model.Entry, c model.Control) (model.Entry, error) {
	if err := s.requireParty(c.Role); err != nil {
		return entry, err
	}
	switch s.state {
	case StateInitializing:
		return entry, newError(ErrPartyMissing, "both parties must join before advancing")
	case StateCompleting:
		return entry, newError(ErrOutOfRange, "every section is agreed")
	}
	next, err := s.registry.PeekAdvance()
	if err != nil {
		return entry, err
	}
	if next < 0 {
		s.log.Debug("advance blocked by a conflicted section")
		return model.Entry{}, nil
	}
	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}
	if _, err := s.registry.Advance(); err != nil {
		return committed, err
	}
	s.bindCurrent()
	return committed, nil
}

func (s *Session) execSign(entry model.Entry, c model.Control) (model.Entry, error) {
	if err := s.requireParty(c.Role); err != nil {
		return entry, err
	}
	switch s.state {
	case StateInitializing:
		return entry, newError(ErrPartyMissing, "both parties must join before signing")
	case StateActive:
		return entry, newError(ErrNotCompleting, "sections remain open; signatures are collected once every section is agreed")
	}
	if _, ok := s.signatures[c.Role]; ok {
		return entry, newError(ErrAlreadySigned, "%s already signed", c.Role)
	}
	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}
	s.signatures[c.Role] = c.CreatedAt
	if len(s.signatures) == len(model.HumanRoles) {
		at := c.CreatedAt
		s.signedAt = &at
		s.state = StateSigned
		s.teardown()
		s.log.Info("contract signed")
	}
	return committed, nil
}

func (s *Session) execAbandon(entry model.Entry, c model.Control) (model.Entry, error) {
	if err := s.requireParty(c.Role); err != nil {
		return entry, err
	}
	if s.state == StateInitializing {
		return entry, newError(ErrPartyMissing, "both parties must join before abandoning")
	}
	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}
	s.state = StateAbandoned
	s.teardown()
	s.log.Info("negotiation abandoned", zap.String("by", string(c.Role)))
	return committed, nil
}

func (s *Session) execChat(entry model.Entry) (model.Entry, error) {
	m := *entry.Message
	if strings.TrimSpace(m.Content) == "" {
		return entry, newError(ErrInvalidMessage, "message content is empty")
	}
	party, ai := m.AuthorParty(), m.AuthorAI()
	switch {
	case party != "":
		if err := s.requireParty(party); err != nil {
			return entry, err
		}
	case ai != "" || m.Author == model.AuthorSystem:
	default:
		return entry, newError(ErrUnknownParty, "unknown author %q", m.Author)
	}

	if s.state == StateInitializing {
		if party == "" {
			return entry, newError(ErrPartyMissing, "negotiation has not started")
		}
		s.buffered = append(s.buffered, model.Entry{Type: entry.Type, Message: &m, CreatedAt: m.Timestamp})
		return model.Entry{Type: entry.Type, Message: &m}, nil
	}

	switch {
	case party != "" && m.Private:
		m.Audience = party
	case ai.IsLawyer():
		m.Private = true
		m.Audience = ai.Client()
	}
	if m.SectionID == "" {
		if cur, ok := s.registry.Current(); ok {
			m.SectionID = cur.ID
		}
	}
	entry.Message = &m
	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}

	if m.SectionID != "" && !m.Degraded {
		s.remember(m.SectionID, Turn{
			SectionID: m.SectionID,
			Author:    m.Author,
			Content:   m.Content,
			Audience:  m.Audience,
			At:        m.Timestamp,
		})
	}
	if party != "" && s.state == StateActive && m.SectionID != "" {
		if m.Private {
			s.requestAdvice(model.LawyerFor(party), m.SectionID, "consultation")
		} else {
			s.requestAdvice(model.AIMediator, m.SectionID, "chat")
		}
	}
	return committed, nil
}

func (s *Session) execEvent(entry model.Entry) (model.Entry, error) {
	ev := *entry.Event
	if s.state == StateInitializing {
		return s.bufferComment(entry, ev)
	}
	if err := s.requireParty(ev.PerformedBy); err != nil {
		return entry, err
	}
	dup, err := s.registry.Check(ev)
	if err != nil {
		return entry, err
	}
	if dup {
		s.log.Debug("duplicate event ignored", zap.String("event_id", ev.ID))
		return model.Entry{}, nil
	}
	refocus, err := s.scope(ev)
	if err != nil {
		return entry, err
	}

	committed, err := s.commit(entry)
	if err != nil {
		return committed, err
	}

	if s.state == StateCompleting {
		s.state = StateActive
		s.signatures = make(map[model.PartyRole]time.Time, 2)
		s.log.Info("section reopened during signing", zap.String("section_id", ev.SectionID))
	}
	if refocus {
		s.registry.Focus(ev.SectionID)
		s.bindCurrent()
	}
	s.remember(ev.SectionID, Turn{
		SectionID: ev.SectionID,
		Author:    string(ev.PerformedBy),
		Content:   describeEvent(ev),
		At:        ev.CreatedAt,
	})

	tr, err := s.registry.Apply(ev)
	if err != nil {
		// Check passed on the same state, so this is a reducer bug.
		s.log.Error("committed event failed to apply", zap.String("event_id", ev.ID), zap.Error(err))
		return committed, err
	}
	if tr.Agreed {
		s.afterAgreement()
	}

	switch ev.Type {
	case model.EventProposal, model.EventCounter, model.EventRejection:
		if s.state == StateActive && s.boundSection == ev.SectionID {
			s.requestAdvice(model.AIMediator, ev.SectionID, string(ev.Type))
		}
	}
	return committed, nil
}

// scope decides whether ev may touch its section now and whether the room
// must refocus on that section.
func (s *Session) scope(ev model.NegotiationEvent) (refocus bool, err error) {
	status, _ := s.registry.Status(ev.SectionID)
	reopening := ev.Type == model.EventRejection ||
		(ev.Type == model.EventCounter && s.opts.Policy.AllowReopenAgreed)

	switch s.state {
	case StateActive:
		if cur, ok := s.registry.Current(); ok && cur.ID == ev.SectionID {
			return false, nil
		}
		if status == model.SectionConflicted {
			return true, nil
		}
		if status == model.SectionAgreed && s.opts.Policy.AllowReopenAgreed &&
			(ev.Type == model.EventRejection || ev.Type == model.EventCounter) {
			return true, nil
		}
		return false, newError(ErrSectionNotActive, "section %q is %s and not under discussion", ev.SectionID, status)
	case StateCompleting:
		if reopening {
			return true, nil
		}
		return false, newError(ErrSectionNotActive, "awaiting signatures; only a rejection can reopen section %q", ev.SectionID)
	}
	return false, newError(ErrSessionClosed, "session %s is %s", s.id, s.state)
}

// activate starts negotiation once both parties are seated.
func (s *Session) activate() {
	s.state = StateActive
	if !s.registry.Start() {
		s.enterCompleting()
		return
	}
	s.bindCurrent()
	s.log.Info("negotiation started", zap.String("section_id", s.boundSection))

	buffered := s.buffered
	s.buffered = nil
	for _, e := range buffered {
		var err error
		if e.Event != nil {
			_, err = s.execEvent(e)
		} else {
			_, err = s.execChat(e)
		}
		if err != nil {
			s.log.Warn("failed to flush buffered entry", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}

// bufferComment holds a comment from a seated party until both parties have
// joined. Every other event type needs an active negotiation.
func (s *Session) bufferComment(entry model.Entry, ev model.NegotiationEvent) (model.Entry, error) {
	if ev.Type != model.EventComment {
		return entry, newError(ErrPartyMissing, "both parties must join before negotiating")
	}
	if err := s.requireParty(ev.PerformedBy); err != nil {
		return entry, err
	}
	if _, err := s.registry.Check(ev); err != nil {
		return entry, err
	}
	if first, ok := s.registry.Opening(); ok && first.ID != ev.SectionID {
		return entry, newError(ErrSectionNotActive, "section %q opens after %q", ev.SectionID, first.ID)
	}
	for _, b := range s.buffered {
		if b.Event != nil && b.Event.ID == ev.ID {
			return model.Entry{}, nil
		}
	}
	s.buffered = append(s.buffered, model.Entry{Type: entry.Type, Event: &ev, CreatedAt: ev.CreatedAt})
	return model.Entry{Type: entry.Type, Event: &ev, CreatedAt: ev.CreatedAt}, nil
}

func (s *Session) afterAgreement() {
	if s.registry.AllAgreed() {
		s.enterCompleting()
		return
	}
	s.registry.FocusNextOpen()
	s.bindCurrent()
}

func (s *Session) enterCompleting() {
	s.state = StateCompleting
	s.registry.Release()
	s.boundSection = ""
	s.log.Info("all sections agreed, awaiting signatures")
}

// onAgreed runs inside the registry reducer when a section becomes agreed.
func (s *Session) onAgreed(sectionID string) {
	if s.memory.Wipe(sectionID) {
		metrics.MemoryWipesTotal.WithLabelValues("agreed").Inc()
	}
	if s.boundSection == sectionID {
		s.boundSection = ""
	}
	if s.restoring {
		return
	}
	metrics.SectionsAgreedTotal.Inc()
	s.log.Info("section agreed", zap.String("section_id", sectionID))
	if s.opts.Log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.PersistTimeout)
	defer cancel()
	if err := s.opts.Log.WipeMemory(ctx, s.id, sectionID); err != nil {
		s.log.Warn("failed to record memory wipe", zap.String("section_id", sectionID), zap.Error(err))
	}
}

// bindCurrent moves the AI roles onto the current section. The previously
// bound section's memory is released first.
func (s *Session) bindCurrent() {
	sec, ok := s.registry.Current()
	if !ok || sec.ID == s.boundSection {
		return
	}
	if s.boundSection != "" && s.memory.Wipe(s.boundSection) {
		metrics.MemoryWipesTotal.WithLabelValues("released").Inc()
	}
	s.boundSection = sec.ID

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.PersistTimeout)
	defer cancel()
	prime := s.primer(sec)
	for _, role := range model.AIRoles {
		if _, err := s.memory.Initialize(ctx, sec.ID, role, prime); err != nil {
			s.log.Warn("failed to initialize AI context",
				zap.String("section_id", sec.ID),
				zap.String("role", string(role)),
				zap.Error(err),
			)
		}
	}
}

// primer seeds a context with the section under discussion.
func (s *Session) primer(sec model.Section) Primer {
	return func(ctx context.Context) ([]Turn, error) {
		content := fmt.Sprintf("Section %d: %s", sec.Order, sec.Title)
		if sec.Content.Text != "" {
			content += "\n" + sec.Content.Text
		}
		for _, kt := range sec.KeyTerms {
			content += fmt.Sprintf("\n- %s: %s", kt.Label, kt.Value)
		}
		return []Turn{{
			SectionID: sec.ID,
			Author:    model.AuthorSystem,
			Content:   content,
			At:        s.opts.Now(),
		}}, nil
	}
}

func (s *Session) remember(sectionID string, turn Turn) {
	if _, err := s.memory.Record(s.ctx, sectionID, turn); err != nil {
		s.log.Warn("failed to record AI turn", zap.String("section_id", sectionID), zap.Error(err))
	}
}

// teardown ends AI involvement once the session is terminal.
func (s *Session) teardown() {
	s.aiCancel()
	s.registry.Release()
	s.boundSection = ""
	if wiped := s.memory.WipeAll(); len(wiped) > 0 {
		metrics.MemoryWipesTotal.WithLabelValues("teardown").Add(float64(len(wiped)))
	}
}
