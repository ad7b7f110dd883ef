package negotiation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

var tracer = otel.Tracer("github.com/capitalize-ai/negotiation-room/internal/negotiation")

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateCompleting   State = "completing"
	StateSigned       State = "signed"
	StateAbandoned    State = "abandoned"
)

// Terminal reports whether no further action is accepted.
func (s State) Terminal() bool {
	return s == StateSigned || s == StateAbandoned
}

// EventLog persists committed entries. AppendEntry must be durable before it
// returns; the session applies an entry only after it was persisted.
type EventLog interface {
	AppendEntry(ctx context.Context, contractID string, entry model.Entry) error
	WipeMemory(ctx context.Context, contractID, sectionID string) error
}

// Broadcaster fans committed and transient envelopes out to subscribers. It
// must not block.
type Broadcaster interface {
	Broadcast(env model.Envelope)
}

// Options configures a session.
type Options struct {
	Policy         Policy
	QueueSize      int
	HistoryLimit   int
	PersistTimeout time.Duration
	Now            func() time.Time
	NewID          func() string

	Log         EventLog
	Broadcaster Broadcaster
	Advisor     Advisor
	Logger      *logger.Logger
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Session is the single writer of one negotiation room. Every mutation runs
// on the session goroutine in submission order; readers use the latest
// published Snapshot.
type Session struct {
	id       string
	base     model.Contract
	opts     Options
	log      *logger.Logger
	registry *Registry
	memory   *ContextManager

	cmds chan func()
	stop chan struct{}
	done chan struct{}
	snap atomic.Pointer[Snapshot]

	ctx      context.Context
	cancel   context.CancelFunc
	aiCtx    context.Context
	aiCancel context.CancelFunc
	aiWG     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	// Owned by the session goroutine.
	state        State
	parties      map[model.PartyRole]model.Party
	signatures   map[model.PartyRole]time.Time
	signedAt     *time.Time
	updatedAt    time.Time
	entries      []model.Entry
	seq          uint64
	buffered     []model.Entry
	pending      []model.Entry
	boundSection string
	restoring    bool
}

// NewSession creates a session for contract. The session does not process
// commands until Start.
func NewSession(contract model.Contract, opts Options) (*Session, error) {
	opts.setDefaults()
	reg, err := NewRegistry(contract.Sections, opts.Policy)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	aiCtx, aiCancel := context.WithCancel(ctx)

	s := &Session{
		id:         contract.ID,
		base:       contract,
		opts:       opts,
		log:        opts.Logger.ForRoom(contract.ID),
		registry:   reg,
		memory:     NewContextManager(opts.Now),
		cmds:       make(chan func(), opts.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		aiCtx:      aiCtx,
		aiCancel:   aiCancel,
		state:      StateInitializing,
		parties:    make(map[model.PartyRole]model.Party, 2),
		signatures: make(map[model.PartyRole]time.Time, 2),
		updatedAt:  contract.UpdatedAt,
	}
	reg.OnAgreed = s.onAgreed
	s.refresh()
	return s, nil
}

// ID returns the contract id of the room.
func (s *Session) ID() string { return s.id }

// Restore rebuilds state from a committed log. It must run before Start and
// neither persists, broadcasts nor calls the AI collaborator.
func (s *Session) Restore(entries []model.Entry) error {
	if s.started.Load() {
		return newError(ErrAlreadyInitialized, "session %s is already running", s.id)
	}
	s.restoring = true
	defer func() { s.restoring = false }()

	for _, entry := range entries {
		if entry.Sequence != s.seq+1 {
			return newError(ErrPersistence, "log for %s has a gap: want sequence %d, got %d", s.id, s.seq+1, entry.Sequence)
		}
		committed, err := s.execute(entry)
		if err != nil {
			return wrapError(ErrPersistence, err, "replaying entry %d of %s", entry.Sequence, s.id)
		}
		if committed.Sequence != entry.Sequence {
			return newError(ErrPersistence, "entry %d of %s did not commit on replay", entry.Sequence, s.id)
		}
	}
	s.refresh()
	return nil
}

// Start launches the session goroutine.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// Close stops the session, cancels in-flight AI work and wipes all AI memory.
// Committed state stays in the event log.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.aiCancel()
		if s.started.Load() {
			close(s.stop)
			<-s.done
		} else {
			close(s.done)
		}
		s.aiWG.Wait()
		if wiped := s.memory.WipeAll(); len(wiped) > 0 {
			metrics.MemoryWipesTotal.WithLabelValues("teardown").Add(float64(len(wiped)))
		}
		s.cancel()
		s.log.Debug("session closed")
	})
	return nil
}

// do runs fn on the session goroutine and waits for its result. Once enqueued
// the command runs even if ctx ends first.
func (s *Session) do(ctx context.Context, op string, fn func() error) error {
	ctx, span := tracer.Start(ctx, "room."+op)
	span.SetAttributes(attribute.String("contract.id", s.id))
	defer span.End()

	errc := make(chan error, 1)
	cmd := func() {
		err := fn()
		s.flush()
		errc <- err
	}

	var err error
	select {
	case s.cmds <- cmd:
		select {
		case err = <-errc:
		case <-s.done:
			select {
			case err = <-errc:
			default:
				err = newError(ErrSessionClosed, "session %s closed", s.id)
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-s.done:
		err = newError(ErrSessionClosed, "session %s closed", s.id)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RejectionsTotal.WithLabelValues(CodeOf(err)).Inc()
	}
	return err
}

// flush publishes a new snapshot and then broadcasts the entries committed by
// the last command. A subscriber that misses a broadcast finds the entry in
// any snapshot it reads afterwards.
func (s *Session) flush() {
	s.refresh()
	for _, entry := range s.pending {
		s.broadcast(entry)
	}
	s.pending = s.pending[:0]
}

func (s *Session) broadcast(entry model.Entry) {
	if s.opts.Broadcaster == nil {
		return
	}
	env, err := entry.Envelope(s.id)
	if err != nil {
		s.log.Error("failed to encode entry", zap.Uint64("sequence", entry.Sequence), zap.Error(err))
		return
	}
	s.opts.Broadcaster.Broadcast(env)
}

// Join seats userRef as role. Rejoining an active seat is a no-op.
func (s *Session) Join(ctx context.Context, role model.PartyRole, userRef string) (model.Party, error) {
	var party model.Party
	err := s.do(ctx, "join", func() error {
		_, err := s.execute(s.controlEntry(model.Control{
			Action:  model.ControlJoin,
			Role:    role,
			PartyID: s.opts.NewID(),
			UserRef: userRef,
		}))
		party = s.parties[role]
		return err
	})
	return party, err
}

// Leave marks role inactive. Its seat and all committed state are kept.
func (s *Session) Leave(ctx context.Context, role model.PartyRole) error {
	return s.do(ctx, "leave", func() error {
		_, err := s.execute(s.controlEntry(model.Control{Action: model.ControlLeave, Role: role}))
		return err
	})
}

// Advance moves the room to the next non-agreed section.
func (s *Session) Advance(ctx context.Context, role model.PartyRole) error {
	return s.do(ctx, "advance", func() error {
		_, err := s.execute(s.controlEntry(model.Control{Action: model.ControlAdvance, Role: role}))
		return err
	})
}

// Sign records role's signature while the room is completing.
func (s *Session) Sign(ctx context.Context, role model.PartyRole) error {
	return s.do(ctx, "sign", func() error {
		_, err := s.execute(s.controlEntry(model.Control{Action: model.ControlSign, Role: role}))
		return err
	})
}

// Abandon ends the negotiation without agreement.
func (s *Session) Abandon(ctx context.Context, role model.PartyRole) error {
	return s.do(ctx, "abandon", func() error {
		_, err := s.execute(s.controlEntry(model.Control{Action: model.ControlAbandon, Role: role}))
		return err
	})
}

// SubmitEvent commits and applies a negotiation event. A missing id or
// timestamp is filled in. Resubmitting a known event id is a no-op that
// returns an entry with sequence 0. Comments sent while the room is
// initializing are buffered and also come back without a sequence.
func (s *Session) SubmitEvent(ctx context.Context, ev model.NegotiationEvent) (model.Entry, error) {
	if ev.ID == "" {
		ev.ID = s.opts.NewID()
	}
	var committed model.Entry
	err := s.do(ctx, "event", func() error {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = s.opts.Now()
		}
		var err error
		committed, err = s.execute(model.Entry{
			Type:      model.EnvelopeNegotiationEvent,
			Event:     &ev,
			CreatedAt: ev.CreatedAt,
		})
		return err
	})
	return committed, err
}

// SendChat posts a chat message from role. While the room is initializing
// the message is buffered and returned without a sequence.
func (s *Session) SendChat(ctx context.Context, role model.PartyRole, req model.ChatRequest) (model.NegotiationMessage, error) {
	entry, err := s.chat(ctx, role, req)
	if entry.Message == nil {
		return model.NegotiationMessage{}, err
	}
	return *entry.Message, err
}

// chat returns the committed entry projected for role. A buffered message
// comes back with sequence 0.
func (s *Session) chat(ctx context.Context, role model.PartyRole, req model.ChatRequest) (model.Entry, error) {
	var out model.Entry
	err := s.do(ctx, "chat", func() error {
		now := s.opts.Now()
		entry, err := s.execute(model.Entry{
			Type: model.EnvelopeChat,
			Message: &model.NegotiationMessage{
				ID:        s.opts.NewID(),
				Author:    string(role),
				Content:   req.Content,
				Timestamp: now,
				Private:   req.Private,
			},
			CreatedAt: now,
		})
		if err == nil && entry.Message != nil {
			out = entry.ForViewer(role)
		}
		return err
	})
	return out, err
}

// HandleEnvelope dispatches an inbound envelope sent by role.
func (s *Session) HandleEnvelope(ctx context.Context, role model.PartyRole, env model.Envelope) (model.Entry, error) {
	if env.SessionID != "" && env.SessionID != s.id {
		return model.Entry{}, newError(ErrInvalidEvent, "envelope addressed to session %q", env.SessionID)
	}
	switch env.Type {
	case model.EnvelopeChat:
		var req model.ChatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return model.Entry{}, wrapError(ErrInvalidMessage, err, "malformed chat payload")
		}
		return s.chat(ctx, role, req)

	case model.EnvelopeNegotiationEvent:
		var ev model.NegotiationEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return model.Entry{}, wrapError(ErrInvalidEvent, err, "malformed event payload")
		}
		ev.PerformedBy = role
		ev.CreatedAt = time.Time{}
		return s.SubmitEvent(ctx, ev)

	case model.EnvelopeControl:
		var c model.Control
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return model.Entry{}, wrapError(ErrInvalidEvent, err, "malformed control payload")
		}
		var err error
		switch c.Action {
		case model.ControlAdvance:
			err = s.Advance(ctx, role)
		case model.ControlSign:
			err = s.Sign(ctx, role)
		case model.ControlAbandon:
			err = s.Abandon(ctx, role)
		case model.ControlLeave:
			err = s.Leave(ctx, role)
		default:
			err = newError(ErrInvalidEvent, "control action %q cannot be sent as an envelope", c.Action)
		}
		return model.Entry{}, err
	}
	return model.Entry{}, newError(ErrInvalidEvent, "envelope type %q is not accepted", env.Type)
}

func (s *Session) controlEntry(c model.Control) model.Entry {
	c.CreatedAt = s.opts.Now()
	return model.Entry{Type: model.EnvelopeControl, Control: &c, CreatedAt: c.CreatedAt}
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Replay returns the committed entries after sequence after that viewer may
// see, projected onto the viewer's perspective.
func (s *Session) Replay(after uint64, viewer model.PartyRole) []model.Entry {
	return s.snap.Load().Replay(after, viewer)
}

// MemoryState returns the AI memory of role for sectionID.
func (s *Session) MemoryState(sectionID string, role model.AIRole) MemoryState {
	return s.memory.Snapshot(sectionID, role)
}

// CheckIsolation verifies the AI memory isolation invariant.
func (s *Session) CheckIsolation() error {
	return s.memory.CheckIsolation()
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	ContractID       string                        `json:"contractId"`
	State            State                         `json:"state"`
	ContractStatus   model.ContractStatus          `json:"contractStatus"`
	CurrentSectionID string                        `json:"currentSectionId,omitempty"`
	CurrentIndex     int                           `json:"currentIndex"`
	Sections         []model.Section               `json:"sections"`
	Parties          []model.Party                 `json:"parties"`
	Signatures       map[model.PartyRole]time.Time `json:"signatures"`
	Sequence         uint64                        `json:"sequence"`
	SignedAt         *time.Time                    `json:"signedAt,omitempty"`
	UpdatedAt        time.Time                     `json:"updatedAt"`

	base    model.Contract
	entries []model.Entry
}

// Contract projects the snapshot onto the contract resource.
func (sn *Snapshot) Contract() model.Contract {
	c := sn.base
	c.Status = sn.ContractStatus
	c.Sections = sn.Sections
	c.Parties = sn.Parties
	c.UpdatedAt = sn.UpdatedAt
	c.SignedAt = sn.SignedAt
	if sn.State == StateSigned {
		c.CompletedAt = sn.SignedAt
	}
	return c
}

// Replay filters the snapshot's log for viewer. An empty viewer sees only
// shared entries.
func (sn *Snapshot) Replay(after uint64, viewer model.PartyRole) []model.Entry {
	if after >= uint64(len(sn.entries)) {
		return nil
	}
	out := make([]model.Entry, 0, len(sn.entries)-int(after))
	for _, e := range sn.entries[after:] {
		if a := e.Audience(); a != "" && a != viewer {
			continue
		}
		out = append(out, e.ForViewer(viewer))
	}
	return out
}

// PartyByUser returns the seat held by userRef.
func (sn *Snapshot) PartyByUser(userRef string) (model.Party, bool) {
	for _, p := range sn.Parties {
		if p.UserRef == userRef {
			return p, true
		}
	}
	return model.Party{}, false
}

func (s *Session) refresh() {
	sn := &Snapshot{
		ContractID:     s.id,
		State:          s.state,
		ContractStatus: contractStatus(s.state, len(s.parties)),
		CurrentIndex:   s.registry.CurrentIndex(),
		Sections:       s.registry.Sections(),
		Signatures:     make(map[model.PartyRole]time.Time, len(s.signatures)),
		Sequence:       s.seq,
		UpdatedAt:      s.updatedAt,
		base:           s.base,
		entries:        s.entries[:len(s.entries):len(s.entries)],
	}
	if cur, ok := s.registry.Current(); ok {
		sn.CurrentSectionID = cur.ID
	}
	for _, role := range model.HumanRoles {
		if p, ok := s.parties[role]; ok {
			sn.Parties = append(sn.Parties, p)
		}
	}
	for role, at := range s.signatures {
		sn.Signatures[role] = at
	}
	if s.signedAt != nil {
		t := *s.signedAt
		sn.SignedAt = &t
	}
	s.snap.Store(sn)
}

func contractStatus(state State, parties int) model.ContractStatus {
	switch state {
	case StateActive:
		return model.ContractStatusInNegotiation
	case StateCompleting:
		return model.ContractStatusSignaturePending
	case StateSigned:
		return model.ContractStatusCompleted
	case StateAbandoned:
		return model.ContractStatusExpired
	}
	if parties > 0 {
		return model.ContractStatusInvitationSent
	}
	return model.ContractStatusDraft
}

func describeEvent(ev model.NegotiationEvent) string {
	var b strings.Builder
	b.WriteString(string(ev.PerformedBy))
	b.WriteString(" ")
	b.WriteString(string(ev.Type))
	if text, ok := ev.ProposedContent(); ok && text != "" {
		b.WriteString(": ")
		b.WriteString(text)
	}
	if ev.Message != "" {
		b.WriteString(" (")
		b.WriteString(ev.Message)
		b.WriteString(")")
	}
	return b.String()
}
