package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/middleware"
	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/service"
	"github.com/capitalize-ai/negotiation-room/internal/transport"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

// RoomHandler handles negotiation room endpoints.
type RoomHandler struct {
	rooms     *service.RoomManager
	hub       *transport.Hub
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewRoomHandler creates a new room handler. heartbeat is the idle keepalive
// interval of streaming connections.
func NewRoomHandler(rooms *service.RoomManager, hub *transport.Hub, heartbeat time.Duration, log *logger.Logger) *RoomHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &RoomHandler{
		rooms:     rooms,
		hub:       hub,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// LogResponse is a page of the room log as seen by the caller.
type LogResponse struct {
	Entries      []model.Entry `json:"entries"`
	LastSequence uint64        `json:"lastSequence"`
	HasMore      bool          `json:"hasMore"`
}

// EnvelopeResponse acknowledges an inbound envelope. Sequence is zero when
// nothing new was committed.
type EnvelopeResponse struct {
	Sequence uint64       `json:"sequence"`
	Entry    *model.Entry `json:"entry,omitempty"`
}

// room loads the session named by the URL. It writes the error response and
// returns nil on failure.
func (h *RoomHandler) room(w http.ResponseWriter, r *http.Request) *negotiation.Session {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateContractID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil
	}
	s, err := h.rooms.Room(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return nil
	}
	return s
}

// seat resolves the caller's role from the authenticated user.
func (h *RoomHandler) seat(w http.ResponseWriter, r *http.Request, s *negotiation.Session) (model.PartyRole, bool) {
	party, ok := s.Snapshot().PartyByUser(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusForbidden, "not_a_party", "join the room before using it")
		return "", false
	}
	return party.Role, true
}

// Join handles POST /api/v1/contracts/:id/join
func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	s := h.room(w, r)
	if s == nil {
		return
	}

	var req model.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateRole(req.Role); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID := middleware.GetUserID(r.Context())
	party, err := s.Join(r.Context(), req.Role, userID)
	if err != nil {
		respondError(w, err)
		return
	}

	h.logger.Info("party joined",
		zap.String("contract_id", s.ID()),
		zap.String("role", string(party.Role)),
		zap.String("user_id", userID),
	)
	writeJSON(w, http.StatusOK, party)
}

// Envelope handles POST /api/v1/contracts/:id/envelopes
func (h *RoomHandler) Envelope(w http.ResponseWriter, r *http.Request) {
	s := h.room(w, r)
	if s == nil {
		return
	}
	role, ok := h.seat(w, r, s)
	if !ok {
		return
	}

	var env model.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := validateEnvelope(env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}

	entry, err := s.HandleEnvelope(r.Context(), role, env)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := &EnvelopeResponse{Sequence: entry.Sequence}
	if entry.Type != "" {
		resp.Entry = &entry
	}
	status := http.StatusOK
	if entry.Sequence > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// Advance handles POST /api/v1/contracts/:id/advance
func (h *RoomHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*negotiation.Session).Advance)
}

// Sign handles POST /api/v1/contracts/:id/sign
func (h *RoomHandler) Sign(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*negotiation.Session).Sign)
}

// Abandon handles POST /api/v1/contracts/:id/abandon
func (h *RoomHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*negotiation.Session).Abandon)
}

// Leave handles POST /api/v1/contracts/:id/leave
func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*negotiation.Session).Leave)
}

func (h *RoomHandler) control(w http.ResponseWriter, r *http.Request, action func(*negotiation.Session, context.Context, model.PartyRole) error) {
	s := h.room(w, r)
	if s == nil {
		return
	}
	role, ok := h.seat(w, r, s)
	if !ok {
		return
	}
	if err := action(s, r.Context(), role); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Log handles GET /api/v1/contracts/:id/log
// Supports ?after_sequence=N&limit=M for paging
func (h *RoomHandler) Log(w http.ResponseWriter, r *http.Request) {
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
	limit := intParam(r, "limit", 100, 500)

	snap := s.Snapshot()
	entries := snap.Replay(after, role)
	resp := &LogResponse{Entries: entries, LastSequence: after}
	if len(entries) > limit {
		resp.Entries = entries[:limit]
		resp.HasMore = true
	}
	switch {
	case resp.HasMore:
		resp.LastSequence = resp.Entries[limit-1].Sequence
	case snap.Sequence > after:
		// Entries hidden from role still move the cursor.
		resp.LastSequence = snap.Sequence
	}
	if resp.Entries == nil {
		resp.Entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateEnvelope checks the parts of an inbound envelope the session does
// not, before it reaches the room queue.
func validateEnvelope(env model.Envelope) error {
	if env.Type == model.EnvelopeChat {
		var req model.ChatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return middleware.ValidateMessageContent(req.Content)
	}
	return nil
}
