package negotiation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock returns strictly increasing times.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func seqIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func testSections() []model.Section {
	return []model.Section{
		{ID: "scope", Title: "What We Are Creating", Order: 1},
		{ID: "timeline", Title: "Our Project Timeline", Order: 2},
		{ID: "payment", Title: "Investment & Returns", Order: 3},
	}
}

func testContract() model.Contract {
	return model.Contract{
		ID:         "contract-1",
		Title:      "Website redesign",
		Type:       model.ContractTypeFreelancer,
		TemplateID: "project-quick",
		Sections:   testSections(),
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
	}
}

func proposal(id, section string, by model.PartyRole, text string) model.NegotiationEvent {
	return model.NegotiationEvent{
		ID:          id,
		SectionID:   section,
		Type:        model.EventProposal,
		Data:        map[string]any{model.DataContent: text},
		PerformedBy: by,
		CreatedAt:   epoch,
	}
}

func acceptance(id, section string, by model.PartyRole, ref string) model.NegotiationEvent {
	return model.NegotiationEvent{
		ID:          id,
		SectionID:   section,
		Type:        model.EventAcceptance,
		Data:        map[string]any{model.DataProposalID: ref},
		PerformedBy: by,
		CreatedAt:   epoch,
	}
}

func simpleEvent(id, section string, t model.EventType, by model.PartyRole) model.NegotiationEvent {
	return model.NegotiationEvent{ID: id, SectionID: section, Type: t, PerformedBy: by, CreatedAt: epoch}
}

// memoryLog is an in-memory EventLog.
type memoryLog struct {
	mu      sync.Mutex
	entries []model.Entry
	wipes   []string
	fail    error
}

func (l *memoryLog) AppendEntry(_ context.Context, _ string, entry model.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memoryLog) WipeMemory(_ context.Context, _ string, sectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wipes = append(l.wipes, sectionID)
	return nil
}

func (l *memoryLog) Entries() []model.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Entry(nil), l.entries...)
}

func (l *memoryLog) Wipes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.wipes...)
}

// recorder captures broadcasts.
type recorder struct {
	mu   sync.Mutex
	envs []model.Envelope
}

func (r *recorder) Broadcast(env model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) Envelopes() []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Envelope(nil), r.envs...)
}

// scriptedAdvisor answers every request with a fixed reply, or fails.
type scriptedAdvisor struct {
	mu       sync.Mutex
	requests []AdviceRequest
	reply    string
	err      error
	partials []string
	block    chan struct{}
}

func (a *scriptedAdvisor) Advise(ctx context.Context, req AdviceRequest, sink AdviceSink) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	reply, err, partials, block := a.reply, a.err, a.partials, a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return
		}
	}
	for i, p := range partials {
		sink.Partial(req, model.PartialEvent{Role: req.Role, SectionID: req.SectionID, RequestID: req.ID, Content: p, Index: i})
	}
	sink.Deliver(Advice{
		RequestID:  req.ID,
		Role:       req.Role,
		SectionID:  req.SectionID,
		Generation: req.Generation,
		Content:    reply,
		Err:        err,
	})
}

func (a *scriptedAdvisor) Requests() []AdviceRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AdviceRequest(nil), a.requests...)
}
