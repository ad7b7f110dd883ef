package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

const (
	// StreamName is the name of the negotiation stream.
	StreamName = "NEGOTIATIONS"

	// SubjectPrefix is the prefix for all negotiation subjects.
	SubjectPrefix = "neg"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the negotiation stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Committed negotiation room entries",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject an envelope is published on.
func Subject(contractID string, t model.EnvelopeType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, contractID, t)
}

// RoomFilter returns the filter subject for everything in a room.
func RoomFilter(contractID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, contractID)
}

// Publish publishes a committed envelope and waits for the stream ack.
func (m *StreamManager) Publish(ctx context.Context, env model.Envelope) (uint64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, Subject(env.SessionID, env.Type), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish envelope %d: %w", env.Sequence, err)
	}
	return ack.Sequence, nil
}

// Fetch reads up to limit envelopes of a room whose room sequence is greater
// than after. Stream sequences and room sequences differ, so the filter is
// applied after delivery.
func (m *StreamManager) Fetch(ctx context.Context, contractID string, after uint64, limit int) ([]model.Envelope, error) {
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{RoomFilter(contractID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var out []model.Envelope
	for len(out) < limit {
		batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			var env model.Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				continue
			}
			if env.Sequence > after && len(out) < limit {
				out = append(out, env)
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}
