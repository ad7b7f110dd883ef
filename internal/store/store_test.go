package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

func contract(id string, created time.Time) model.Contract {
	return model.Contract{
		ID:         id,
		Title:      "Landing page",
		Type:       model.ContractTypeFreelancer,
		Status:     model.ContractStatusDraft,
		TemplateID: "project-quick",
		Sections: []model.Section{
			{ID: "scope", Title: "What We Are Creating", Order: 1, Status: model.SectionPending},
			{ID: "timeline", Title: "Our Project Timeline", Order: 2, Status: model.SectionPending},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func chatEntry(seq uint64, text string) model.Entry {
	at := time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC)
	return model.Entry{
		Sequence: seq,
		Type:     model.EnvelopeChat,
		Message: &model.NegotiationMessage{
			ID:        "m" + text,
			Author:    string(model.RoleClient),
			Content:   text,
			Timestamp: at,
			SectionID: "scope",
		},
		CreatedAt: at,
	}
}

// runStoreSuite exercises the behavior every driver must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("contract round trip", func(t *testing.T) {
		s := open(t)
		c := contract("c-1", base)
		require.NoError(t, s.CreateContract(ctx, c))

		got, err := s.GetContract(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, c.Title, got.Title)
		require.Len(t, got.Sections, 2)
		assert.Equal(t, "timeline", got.Sections[1].ID)
		assert.True(t, c.CreatedAt.Equal(got.CreatedAt))

		assert.ErrorIs(t, s.CreateContract(ctx, c), ErrExists)
		_, err = s.GetContract(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateContract(ctx, contract("old", base)))
		require.NoError(t, s.CreateContract(ctx, contract("new", base.Add(time.Hour))))

		got, err := s.ListContracts(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "new", got[0].ID)

		got, err = s.ListContracts(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "old", got[0].ID)
	})

	t.Run("append enforces contiguous sequences", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateContract(ctx, contract("c-1", base)))

		require.NoError(t, s.AppendEntry(ctx, "c-1", chatEntry(1, "one")))
		assert.ErrorIs(t, s.AppendEntry(ctx, "c-1", chatEntry(1, "again")), ErrConflict)
		assert.ErrorIs(t, s.AppendEntry(ctx, "c-1", chatEntry(3, "gap")), ErrConflict)
		assert.ErrorIs(t, s.AppendEntry(ctx, "c-1", chatEntry(0, "none")), ErrConflict)
		require.NoError(t, s.AppendEntry(ctx, "c-1", chatEntry(2, "two")))

		assert.ErrorIs(t, s.AppendEntry(ctx, "missing", chatEntry(1, "x")), ErrNotFound)
	})

	t.Run("load after cursor", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateContract(ctx, contract("c-1", base)))
		for i := uint64(1); i <= 3; i++ {
			require.NoError(t, s.AppendEntry(ctx, "c-1", chatEntry(i, string(rune('a'+i)))))
		}

		all, err := s.LoadEntries(ctx, "c-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, uint64(1), all[0].Sequence)
		require.NotNil(t, all[2].Message)
		assert.Equal(t, "d", all[2].Message.Content)

		tail, err := s.LoadEntries(ctx, "c-1", 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, uint64(3), tail[0].Sequence)

		none, err := s.LoadEntries(ctx, "c-1", 3)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("wipes are recorded per section", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateContract(ctx, contract("c-1", base)))
		require.NoError(t, s.WipeMemory(ctx, "c-1", "scope"))
		require.NoError(t, s.WipeMemory(ctx, "c-1", "scope"))

		wipes, err := s.Wipes(ctx, "c-1")
		require.NoError(t, err)
		require.Len(t, wipes, 1)
		assert.False(t, wipes["scope"].IsZero())
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "rooms.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestPostgresStore runs against the database named by
// NEGOTIATION_TEST_POSTGRES_DSN. Its tables are truncated for every case.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("NEGOTIATION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NEGOTIATION_TEST_POSTGRES_DSN is not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		_, err = s.DB.Exec(ctx, `TRUNCATE memory_wipes, entries, contracts`)
		require.NoError(t, err)
		return s
	})
}

// TestMongoStore runs against the server named by NEGOTIATION_TEST_MONGO_URI,
// in a scratch database per case.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("NEGOTIATION_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("NEGOTIATION_TEST_MONGO_URI is not set")
	}
	var n atomic.Int64
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		name := fmt.Sprintf("negotiation_test_%d_%d", time.Now().UnixNano(), n.Add(1))
		s, err := OpenMongo(ctx, uri, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.database.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rooms.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateContract(ctx, contract("c-1", time.Now())))
	require.NoError(t, s.AppendEntry(ctx, "c-1", chatEntry(1, "kept")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.LoadEntries(ctx, "c-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message.Content)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, nil)
	require.Error(t, err)

	s, err := Open(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}
