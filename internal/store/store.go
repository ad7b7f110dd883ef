// Package store persists contracts and the append-only room logs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

var (
	// ErrNotFound is returned when a contract does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an entry does not extend the log by exactly one.
	ErrConflict = errors.New("sequence conflict")
	// ErrExists is returned when a contract id is already taken.
	ErrExists = errors.New("already exists")
)

// Store is the persistence collaborator of the negotiation rooms. It satisfies
// negotiation.EventLog.
type Store interface {
	CreateContract(ctx context.Context, c model.Contract) error
	GetContract(ctx context.Context, id string) (model.Contract, error)
	ListContracts(ctx context.Context, limit, offset int) ([]model.Contract, error)

	// AppendEntry stores entry as the next record of the contract's log.
	// entry.Sequence must be exactly one past the last stored sequence.
	AppendEntry(ctx context.Context, contractID string, entry model.Entry) error
	// LoadEntries returns the log records with a sequence greater than after,
	// in order.
	LoadEntries(ctx context.Context, contractID string, after uint64) ([]model.Entry, error)
	// WipeMemory records that the AI memory of a section was destroyed.
	WipeMemory(ctx context.Context, contractID, sectionID string) error
	// Wipes returns the recorded wipe time per section.
	Wipes(ctx context.Context, contractID string) (map[string]time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config selects and configures a driver.
type Config struct {
	Driver        string
	SQLitePath    string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// Open connects the configured driver and prepares its schema.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case DriverMemory, "":
		s = NewMemory()
	case DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		s, err = OpenPostgres(ctx, cfg.PostgresDSN)
	case DriverMongo:
		s, err = OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	log.Info("store opened", zap.String("driver", cfg.Driver))
	return s, nil
}

func encodeEntry(e model.Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry %d: %w", e.Sequence, err)
	}
	return b, nil
}

func decodeEntry(b []byte) (model.Entry, error) {
	var e model.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return model.Entry{}, fmt.Errorf("failed to decode entry: %w", err)
	}
	return e, nil
}

func encodeContract(c model.Contract) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode contract %s: %w", c.ID, err)
	}
	return b, nil
}

func decodeContract(b []byte) (model.Contract, error) {
	var c model.Contract
	if err := json.Unmarshal(b, &c); err != nil {
		return model.Contract{}, fmt.Errorf("failed to decode contract: %w", err)
	}
	return c, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
