package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

const defaultMongoDatabase = "negotiation"

type contractDocument struct {
	ID        string    `bson:"_id"`
	Title     string    `bson:"title"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	Body      string    `bson:"body"`
}

type entryDocument struct {
	ContractID string    `bson:"contract_id"`
	Sequence   int64     `bson:"sequence"`
	Type       string    `bson:"type"`
	CreatedAt  time.Time `bson:"created_at"`
	Body       string    `bson:"body"`
}

type wipeDocument struct {
	ContractID string    `bson:"contract_id"`
	SectionID  string    `bson:"section_id"`
	WipedAt    time.Time `bson:"wiped_at"`
}

// Mongo stores rooms in MongoDB. Entry bodies are kept as JSON so the
// document shape matches the wire model exactly.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
}

// OpenMongo connects to uri, pings it and creates the indexes.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo URI is required")
	}
	if database == "" {
		database = defaultMongoDatabase
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	m := &Mongo{client: client, database: client.Database(database)}
	if err := m.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.database.Collection("entries").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "contract_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create entries index: %w", err)
	}
	_, err = m.database.Collection("memory_wipes").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "contract_id", Value: 1}, {Key: "section_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create wipes index: %w", err)
	}
	return nil
}

func (m *Mongo) CreateContract(ctx context.Context, c model.Contract) error {
	body, err := encodeContract(c)
	if err != nil {
		return err
	}
	_, err = m.database.Collection("contracts").InsertOne(ctx, contractDocument{
		ID:        c.ID,
		Title:     c.Title,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		Body:      string(body),
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (m *Mongo) GetContract(ctx context.Context, id string) (model.Contract, error) {
	var doc contractDocument
	err := m.database.Collection("contracts").FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Contract{}, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("failed to load contract: %w", err)
	}
	return decodeContract([]byte(doc.Body))
}

func (m *Mongo) ListContracts(ctx context.Context, limit, offset int) ([]model.Contract, error) {
	limit, offset = clampPage(limit, offset)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := m.database.Collection("contracts").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []contractDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Contract, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeContract([]byte(doc.Body))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mongo) lastSequence(ctx context.Context, contractID string) (int64, error) {
	var last entryDocument
	err := m.database.Collection("entries").FindOne(ctx,
		bson.M{"contract_id": contractID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last.Sequence, nil
}

// AppendEntry checks the tail and inserts. The unique index on
// (contract_id, sequence) rejects a concurrent writer that raced the check.
func (m *Mongo) AppendEntry(ctx context.Context, contractID string, entry model.Entry) error {
	if entry.Sequence == 0 {
		return fmt.Errorf("entry without sequence: %w", ErrConflict)
	}
	if _, err := m.GetContract(ctx, contractID); err != nil {
		return err
	}
	last, err := m.lastSequence(ctx, contractID)
	if err != nil {
		return fmt.Errorf("failed to read log tail: %w", err)
	}
	if int64(entry.Sequence) != last+1 {
		return fmt.Errorf("entry %d, expected %d: %w", entry.Sequence, last+1, ErrConflict)
	}

	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = m.database.Collection("entries").InsertOne(ctx, entryDocument{
		ContractID: contractID,
		Sequence:   int64(entry.Sequence),
		Type:       string(entry.Type),
		CreatedAt:  entry.CreatedAt,
		Body:       string(body),
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("entry %d: %w", entry.Sequence, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to append entry %d: %w", entry.Sequence, err)
	}
	return nil
}

func (m *Mongo) LoadEntries(ctx context.Context, contractID string, after uint64) ([]model.Entry, error) {
	cursor, err := m.database.Collection("entries").Find(ctx,
		bson.M{"contract_id": contractID, "sequence": bson.M{"$gt": int64(after)}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.Entry
	for cursor.Next(ctx) {
		var doc entryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := decodeEntry([]byte(doc.Body))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cursor.Err()
}

func (m *Mongo) WipeMemory(ctx context.Context, contractID, sectionID string) error {
	_, err := m.database.Collection("memory_wipes").UpdateOne(ctx,
		bson.M{"contract_id": contractID, "section_id": sectionID},
		bson.M{"$set": bson.M{"wiped_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record wipe: %w", err)
	}
	return nil
}

func (m *Mongo) Wipes(ctx context.Context, contractID string) (map[string]time.Time, error) {
	cursor, err := m.database.Collection("memory_wipes").Find(ctx, bson.M{"contract_id": contractID})
	if err != nil {
		return nil, fmt.Errorf("failed to load wipes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []wipeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		out[d.SectionID] = d.WipedAt
	}
	return out, nil
}

func (m *Mongo) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
