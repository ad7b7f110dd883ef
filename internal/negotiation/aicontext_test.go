package negotiation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

func initAll(t *testing.T, m *ContextManager, sectionID string) {
	t.Helper()
	for _, role := range model.AIRoles {
		_, err := m.Initialize(context.Background(), sectionID, role, nil)
		require.NoError(t, err)
	}
}

func TestContextInitializeTwice(t *testing.T) {
	m := NewContextManager(newFakeClock().Now)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "scope", model.AIMediator, nil)
	require.NoError(t, err)
	st := m.Snapshot("scope", model.AIMediator)
	assert.True(t, st.ContextInitialized)
	assert.Empty(t, st.ConversationHistory)

	_, err = m.Initialize(ctx, "scope", model.AIMediator, nil)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	require.True(t, m.Wipe("scope"))
	_, err = m.Initialize(ctx, "scope", model.AIMediator, nil)
	require.NoError(t, err)
}

func TestContextAppendRequiresInitialization(t *testing.T) {
	m := NewContextManager(nil)
	err := m.AppendTurn(context.Background(), "scope", model.AIMediator, Turn{Content: "hi"})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestContextBindsOneSectionPerRole(t *testing.T) {
	m := NewContextManager(nil)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "scope", model.AIMediator, nil)
	require.NoError(t, err)

	_, err = m.Initialize(ctx, "timeline", model.AIMediator, nil)
	require.ErrorIs(t, err, ErrBoundElsewhere)

	err = m.AppendTurn(ctx, "scope", model.AIMediator, Turn{SectionID: "timeline", Content: "leak"})
	require.ErrorIs(t, err, ErrCrossSection)

	bound, ok := m.Binding(model.AIMediator)
	require.True(t, ok)
	assert.Equal(t, "scope", bound)
	require.NoError(t, m.CheckIsolation())
}

func TestContextLawyerPrivacy(t *testing.T) {
	m := NewContextManager(newFakeClock().Now)
	ctx := context.Background()
	initAll(t, m, "scope")

	_, err := m.Record(ctx, "scope", Turn{Author: string(model.RoleClient), Content: "shared"})
	require.NoError(t, err)
	_, err = m.Record(ctx, "scope", Turn{Author: string(model.AIMediator), Content: "mediator"})
	require.NoError(t, err)
	got, err := m.Record(ctx, "scope", Turn{Author: string(model.AILawyerClient), Content: "client advice"})
	require.NoError(t, err)
	assert.Equal(t, []model.AIRole{model.AILawyerClient}, got)
	got, err = m.Record(ctx, "scope", Turn{Author: string(model.RoleFreelancer), Content: "private question", Audience: model.RoleFreelancer})
	require.NoError(t, err)
	assert.Equal(t, []model.AIRole{model.AILawyerFreelance}, got)

	contents := func(role model.AIRole) []string {
		var out []string
		for _, turn := range m.Snapshot("scope", role).ConversationHistory {
			out = append(out, turn.Content)
		}
		return out
	}
	assert.Equal(t, []string{"shared", "mediator", "client advice"}, contents(model.AILawyerClient))
	assert.Equal(t, []string{"shared", "mediator", "private question"}, contents(model.AILawyerFreelance))
	assert.Equal(t, []string{"shared", "mediator"}, contents(model.AIMediator))
}

func TestContextWipeIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	m := NewContextManager(clock.Now)
	ctx := context.Background()
	initAll(t, m, "scope")
	_, err := m.Record(ctx, "scope", Turn{Author: string(model.RoleClient), Content: "hello"})
	require.NoError(t, err)

	require.True(t, m.Wipe("scope"))
	first := m.Snapshot("scope", model.AIMediator)
	require.NotNil(t, first.LastWipeTimestamp)
	assert.False(t, first.ContextInitialized)
	assert.Empty(t, first.ConversationHistory)

	assert.False(t, m.Wipe("scope"))
	second := m.Snapshot("scope", model.AIMediator)
	assert.Equal(t, first, second)

	_, ok := m.Binding(model.AIMediator)
	assert.False(t, ok)
	assert.False(t, m.Wipe("never-used"))
}

func TestContextWipeInvalidatesGeneration(t *testing.T) {
	m := NewContextManager(nil)
	gen, err := m.Initialize(context.Background(), "scope", model.AIMediator, nil)
	require.NoError(t, err)
	assert.True(t, m.IsCurrent("scope", model.AIMediator, gen))

	m.Wipe("scope")
	assert.False(t, m.IsCurrent("scope", model.AIMediator, gen))

	gen2, err := m.Initialize(context.Background(), "scope", model.AIMediator, nil)
	require.NoError(t, err)
	assert.NotEqual(t, gen, gen2)
	assert.False(t, m.IsCurrent("scope", model.AIMediator, gen))
}

func TestContextCancelledInitializeRollsBack(t *testing.T) {
	m := NewContextManager(nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.Initialize(ctx, "scope", model.AILawyerClient, func(ctx context.Context) ([]Turn, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	st := m.Snapshot("scope", model.AILawyerClient)
	assert.False(t, st.ContextInitialized)
	_, bound := m.Binding(model.AILawyerClient)
	assert.False(t, bound)

	_, err = m.Initialize(context.Background(), "scope", model.AILawyerClient, nil)
	require.NoError(t, err)
}

func TestContextPrimerFailureAndCrossSectionSeed(t *testing.T) {
	m := NewContextManager(nil)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := m.Initialize(ctx, "scope", model.AIMediator, func(context.Context) ([]Turn, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, m.Snapshot("scope", model.AIMediator).ContextInitialized)

	_, err = m.Initialize(ctx, "scope", model.AIMediator, func(context.Context) ([]Turn, error) {
		return []Turn{{SectionID: "timeline", Content: "wrong"}}, nil
	})
	require.ErrorIs(t, err, ErrCrossSection)

	_, err = m.Initialize(ctx, "scope", model.AIMediator, func(context.Context) ([]Turn, error) {
		return []Turn{{Content: "seed"}}, nil
	})
	require.NoError(t, err)
	hist := m.Snapshot("scope", model.AIMediator).ConversationHistory
	require.Len(t, hist, 1)
	assert.Equal(t, "scope", hist[0].SectionID)
}

func TestContextBoundedHistory(t *testing.T) {
	m := NewContextManager(nil)
	ctx := context.Background()
	_, err := m.Initialize(ctx, "scope", model.AIMediator, nil)
	require.NoError(t, err)
	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.AppendTurn(ctx, "scope", model.AIMediator, Turn{Content: c}))
	}

	h, _, err := m.BoundedHistory("scope", model.AIMediator, 2)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "c", h[0].Content)

	_, _, err = m.BoundedHistory("timeline", model.AIMediator, 2)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestContextWipeAll(t *testing.T) {
	m := NewContextManager(nil)
	initAll(t, m, "scope")
	assert.Equal(t, []string{"scope"}, m.WipeAll())
	assert.Empty(t, m.WipeAll())
	require.NoError(t, m.CheckIsolation())
}
