package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

func newTestRegistry(t *testing.T, policy Policy) *Registry {
	t.Helper()
	r, err := NewRegistry(testSections(), policy)
	require.NoError(t, err)
	require.True(t, r.Start())
	return r
}

func TestNewRegistryValidatesOrder(t *testing.T) {
	tests := []struct {
		name     string
		sections []model.Section
	}{
		{"empty", nil},
		{"gap", []model.Section{{ID: "a", Order: 1}, {ID: "b", Order: 3}}},
		{"duplicate order", []model.Section{{ID: "a", Order: 1}, {ID: "b", Order: 1}}},
		{"duplicate id", []model.Section{{ID: "a", Order: 1}, {ID: "a", Order: 2}}},
		{"missing id", []model.Section{{Order: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.sections, DefaultPolicy())
			require.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNewRegistrySortsAndResets(t *testing.T) {
	r, err := NewRegistry([]model.Section{
		{ID: "b", Order: 2, Status: model.SectionAgreed},
		{ID: "a", Order: 1, NegotiationHistory: []model.NegotiationEvent{{ID: "x"}}},
	}, DefaultPolicy())
	require.NoError(t, err)

	secs := r.Sections()
	require.Len(t, secs, 2)
	assert.Equal(t, "a", secs[0].ID)
	assert.Equal(t, model.SectionPending, secs[1].Status)
	assert.Empty(t, secs[0].NegotiationHistory)
}

func TestRegistryProposalAcceptanceAgrees(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	var wiped []string
	r.OnAgreed = func(id string) { wiped = append(wiped, id) }

	tr, err := r.Apply(proposal("p1", "scope", model.RoleClient, "Landing page and blog"))
	require.NoError(t, err)
	assert.Equal(t, model.SectionDiscussing, tr.To)
	assert.False(t, tr.Agreed)

	tr, err = r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.NoError(t, err)
	assert.True(t, tr.Agreed)
	assert.Equal(t, model.SectionAgreed, tr.To)
	assert.Equal(t, []string{"scope"}, wiped)

	sec, ok := r.Section("scope")
	require.True(t, ok)
	assert.Equal(t, "Landing page and blog", sec.Content.Text)
	assert.Equal(t, model.RoleClient, sec.LastModifiedBy)
	assert.True(t, sec.AIMemoryWiped)
	assert.Len(t, sec.NegotiationHistory, 2)
}

func TestRegistryExplicitAcceptanceFromBothParties(t *testing.T) {
	r := newTestRegistry(t, Policy{ProposerAcceptsImplicitly: false})

	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	tr, err := r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.NoError(t, err)
	assert.False(t, tr.Agreed)

	tr, err = r.Apply(acceptance("a2", "scope", model.RoleClient, "p1"))
	require.NoError(t, err)
	assert.True(t, tr.Agreed)
}

func TestRegistryAcceptanceOfSupersededProposal(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())

	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	_, err = r.Apply(proposal("p2", "scope", model.RoleFreelancer, "v2"))
	require.NoError(t, err)

	_, err = r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.ErrorIs(t, err, ErrStaleProposal)

	_, err = r.Apply(acceptance("a2", "scope", model.RoleClient, ""))
	require.ErrorIs(t, err, ErrInvalidEvent)

	tr, err := r.Apply(acceptance("a3", "scope", model.RoleClient, "p2"))
	require.NoError(t, err)
	assert.True(t, tr.Agreed)
}

func TestRegistryRejectionConflictsUntilNewProposal(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())

	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	tr, err := r.Apply(simpleEvent("r1", "scope", model.EventRejection, model.RoleFreelancer))
	require.NoError(t, err)
	assert.Equal(t, model.SectionConflicted, tr.To)

	_, err = r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.ErrorIs(t, err, ErrStaleProposal)

	tr, err = r.Apply(simpleEvent("c1", "scope", model.EventComment, model.RoleClient))
	require.NoError(t, err)
	assert.Equal(t, model.SectionConflicted, tr.To)

	tr, err = r.Apply(proposal("p2", "scope", model.RoleFreelancer, "v2"))
	require.NoError(t, err)
	assert.Equal(t, model.SectionDiscussing, tr.To)
}

func TestRegistryDuplicateEventIsNoop(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	calls := 0
	r.OnAgreed = func(string) { calls++ }

	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	_, err = r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.NoError(t, err)

	tr, err := r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.NoError(t, err)
	assert.True(t, tr.Duplicate)
	assert.False(t, tr.Agreed)
	assert.Equal(t, 1, calls)

	sec, _ := r.Section("scope")
	assert.Len(t, sec.NegotiationHistory, 2)
}

func TestRegistryRejectsUnknownInput(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())

	_, err := r.Apply(proposal("p1", "nope", model.RoleClient, "v1"))
	require.ErrorIs(t, err, ErrUnknownSection)

	_, err = r.Apply(proposal("p1", "scope", model.RoleMediator, "v1"))
	require.ErrorIs(t, err, ErrUnknownParty)

	_, err = r.Apply(simpleEvent("x", "scope", "haggle", model.RoleClient))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = r.Apply(proposal("", "scope", model.RoleClient, "v1"))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestRegistryProposalOnAgreedSectionNeedsReopen(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	_, err = r.Apply(acceptance("a1", "scope", model.RoleFreelancer, "p1"))
	require.NoError(t, err)

	_, err = r.Apply(proposal("p2", "scope", model.RoleClient, "v2"))
	require.ErrorIs(t, err, ErrSectionNotActive)

	tr, err := r.Apply(simpleEvent("k1", "scope", model.EventCounter, model.RoleFreelancer))
	require.NoError(t, err)
	assert.True(t, tr.Reopened)
	assert.Equal(t, model.SectionConflicted, tr.To)

	sec, _ := r.Section("scope")
	assert.True(t, sec.AIMemoryWiped, "wipe flag is monotonic")
}

func TestRegistryAdvanceBoundary(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	assert.Equal(t, 0, r.CurrentIndex())

	moved, err := r.Advance()
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 1, r.CurrentIndex())

	moved, err = r.Advance()
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 2, r.CurrentIndex())

	_, err = r.Advance()
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, 2, r.CurrentIndex())
}

func TestRegistryAdvanceSkipsAgreedAndStopsOnConflict(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())

	// Agree "timeline" out of order, then conflict "scope".
	require.True(t, r.Focus("timeline"))
	_, err := r.Apply(proposal("p1", "timeline", model.RoleClient, "8 weeks"))
	require.NoError(t, err)
	_, err = r.Apply(acceptance("a1", "timeline", model.RoleFreelancer, "p1"))
	require.NoError(t, err)

	require.True(t, r.Focus("scope"))
	_, err = r.Apply(proposal("p2", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)

	next, err := r.PeekAdvance()
	require.NoError(t, err)
	assert.Equal(t, 2, next, "agreed sections are skipped")

	_, err = r.Apply(simpleEvent("r1", "scope", model.EventRejection, model.RoleFreelancer))
	require.NoError(t, err)

	moved, err := r.Advance()
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 0, r.CurrentIndex())
}

func TestRegistryAdvanceAtLastSectionWhileConflicted(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	_, err = r.Apply(simpleEvent("r1", "scope", model.EventRejection, model.RoleFreelancer))
	require.NoError(t, err)

	require.True(t, r.Focus("payment"))
	require.Equal(t, 2, r.CurrentIndex())

	next, err := r.PeekAdvance()
	require.NoError(t, err)
	assert.Equal(t, -1, next)

	moved, err := r.Advance()
	require.NoError(t, err, "a conflict blocks advancing before the range check")
	assert.False(t, moved)
	assert.Equal(t, 2, r.CurrentIndex())
}

func TestRegistryAtMostOneDiscussing(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	_, err := r.Apply(proposal("p1", "scope", model.RoleClient, "v1"))
	require.NoError(t, err)
	require.True(t, r.Focus("payment"))
	_, err = r.Apply(proposal("p2", "payment", model.RoleClient, "v1"))
	require.NoError(t, err)

	discussing := 0
	for _, sec := range r.Sections() {
		if sec.Status == model.SectionDiscussing {
			discussing++
			assert.Equal(t, "payment", sec.ID)
		}
	}
	assert.Equal(t, 1, discussing)
}

func TestRegistryReplayDeterminism(t *testing.T) {
	log := []model.NegotiationEvent{
		proposal("p1", "scope", model.RoleClient, "v1"),
		simpleEvent("c1", "scope", model.EventComment, model.RoleFreelancer),
		simpleEvent("k1", "scope", model.EventCounter, model.RoleFreelancer),
		proposal("p2", "scope", model.RoleFreelancer, "v2"),
		acceptance("a1", "scope", model.RoleClient, "p2"),
		proposal("p3", "timeline", model.RoleClient, "6 weeks"),
		proposal("p3", "timeline", model.RoleClient, "6 weeks"),
	}

	build := func() (*Registry, int) {
		r := newTestRegistry(t, DefaultPolicy())
		wipes := 0
		r.OnAgreed = func(string) { wipes++ }
		for _, ev := range log {
			_, err := r.Apply(ev)
			require.NoError(t, err)
		}
		return r, wipes
	}

	a, wipesA := build()
	b, wipesB := build()
	assert.Equal(t, a.Sections(), b.Sections())
	assert.Equal(t, 1, wipesA)
	assert.Equal(t, wipesA, wipesB)
}

func TestRegistryFocusNextOpenWraps(t *testing.T) {
	r := newTestRegistry(t, DefaultPolicy())
	require.True(t, r.Focus("payment"))
	require.True(t, r.FocusNextOpen())
	assert.Equal(t, 0, r.CurrentIndex())
}
