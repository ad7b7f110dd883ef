package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStream struct {
	mu   sync.Mutex
	got  []model.Envelope
	fail bool
	gate chan struct{}
}

func (f *fakeStream) publish(ctx context.Context, env model.Envelope) (uint64, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("no responders")
	}
	f.got = append(f.got, env)
	return uint64(len(f.got)), nil
}

func (f *fakeStream) published() []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Envelope(nil), f.got...)
}

func TestPublisherMirrorsCommittedEnvelopesInOrder(t *testing.T) {
	fs := &fakeStream{}
	p := newPublisher(fs.publish, 8, time.Second, nil)

	p.Broadcast(model.Envelope{Type: model.EnvelopeChat, SessionID: "c-1", Sequence: 1})
	p.Broadcast(model.Envelope{Type: model.EnvelopePartial, SessionID: "c-1"})
	p.Broadcast(model.Envelope{Type: model.EnvelopeNegotiationEvent, SessionID: "c-1", Sequence: 2})
	p.Close()

	got := fs.published()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	fs := &fakeStream{gate: make(chan struct{})}
	p := newPublisher(fs.publish, 1, time.Second, nil)

	for i := uint64(1); i <= 5; i++ {
		p.Broadcast(model.Envelope{Type: model.EnvelopeChat, SessionID: "c-1", Sequence: i})
	}
	close(fs.gate)
	p.Close()

	got := fs.published()
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), 5)
}

func TestPublisherSurvivesBrokerErrors(t *testing.T) {
	fs := &fakeStream{fail: true}
	p := newPublisher(fs.publish, 4, time.Second, nil)
	p.Broadcast(model.Envelope{Type: model.EnvelopeControl, SessionID: "c-1", Sequence: 1})
	p.Close()
	p.Close()

	p.Broadcast(model.Envelope{Type: model.EnvelopeControl, SessionID: "c-1", Sequence: 2})
	assert.Empty(t, fs.published())
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "neg.c-1.negotiation_event", Subject("c-1", model.EnvelopeNegotiationEvent))
	assert.Equal(t, "neg.c-1.>", RoomFilter("c-1"))
}
