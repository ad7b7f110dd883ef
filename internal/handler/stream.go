package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/transport"
)

// ReplayCompleteEvent marks the end of the replayed backlog.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EntryCount   int    `json:"entry_count"`
}

// replay subscribes role to the room and returns the backlog after cursor.
// The subscription is taken before the snapshot is read so no committed entry
// falls between the two; live envelopes at or below the returned cursor are
// duplicates of the backlog.
func (h *RoomHandler) replay(s *negotiation.Session, role model.PartyRole, after uint64, kind string) (*transport.Subscription, []model.Envelope, uint64) {
	sub := h.hub.Subscribe(s.ID(), role, kind)
	snap := s.Snapshot()

	var backlog []model.Envelope
	for _, entry := range snap.Replay(after, role) {
		env, err := entry.Envelope(s.ID())
		if err != nil {
			h.logger.Error("failed to encode replayed entry",
				zap.String("contract_id", s.ID()),
				zap.Uint64("sequence", entry.Sequence),
				zap.Error(err),
			)
			continue
		}
		backlog = append(backlog, env)
	}

	cursor := after
	if snap.Sequence > cursor {
		cursor = snap.Sequence
	}
	return sub, backlog, cursor
}

// duplicate reports whether a live envelope was already part of the replay.
func duplicate(env model.Envelope, cursor uint64) bool {
	return env.Type.Committed() && env.Sequence <= cursor
}

// Stream handles GET /api/v1/contracts/:id/stream
// Supports ?after_sequence=N for resuming from a specific point
func (h *RoomHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := h.room(w, r)
	if s == nil {
		return
	}
	role, ok := h.seat(w, r, s)
	if !ok {
		return
	}
	after, err := afterSequence(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "after_sequence must be a non-negative integer")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sub, backlog, cursor := h.replay(s, role, after, "sse")
	defer sub.Close()

	log := h.logger.ForRoom(s.ID())

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"contract_id": s.ID(),
		"role":        string(role),
	})

	for _, env := range backlog {
		if ctx.Err() != nil {
			return
		}
		sendSSEEvent(w, flusher, string(env.Type), env)
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: cursor,
		EntryCount:   len(backlog),
	})

	log.Info("entry replay complete",
		zap.String("role", string(role)),
		zap.Int("entries_replayed", len(backlog)),
		zap.Uint64("last_sequence", cursor),
	)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected", zap.String("role", string(role)))
			return

		case env, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), transport.ErrSlowConsumer) {
					sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
						Code:    "slow_consumer",
						Message: sub.Err().Error(),
					})
				}
				return
			}
			if duplicate(env, cursor) {
				continue
			}
			if env.Type.Committed() {
				cursor = env.Sequence
			}
			sendSSEEvent(w, flusher, string(env.Type), env)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
