package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/transport"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware and the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket handles GET /api/v1/contracts/:id/ws
// Inbound frames are envelopes; errors go back to the sender only.
func (h *RoomHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		h.logger.Warn("websocket upgrade failed", zap.String("contract_id", s.ID()), zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.ForRoom(s.ID()).With(zap.String("role", string(role)))

	sub, backlog, cursor := h.replay(s, role, after, "websocket")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan model.Envelope, 16)
	readDone := make(chan struct{})
	go h.readLoop(ctx, conn, s, role, replies, readDone)

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	for _, env := range backlog {
		if err := write(env); err != nil {
			return
		}
	}
	if err := write(map[string]interface{}{
		"type":    "replay_complete",
		"payload": &ReplayCompleteEvent{LastSequence: cursor, EntryCount: len(backlog)},
	}); err != nil {
		return
	}

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			log.Debug("websocket client disconnected")
			return

		case env, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), transport.ErrSlowConsumer) {
					_ = write(errorEnvelope(s.ID(), role, "slow_consumer", sub.Err().Error()))
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "reconnect with after_sequence"),
					time.Now().Add(wsWriteWait))
				return
			}
			if duplicate(env, cursor) {
				continue
			}
			if env.Type.Committed() {
				cursor = env.Sequence
			}
			if err := write(env); err != nil {
				metrics.TransportFailuresTotal.WithLabelValues("websocket").Inc()
				log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case env := <-replies:
			if err := write(env); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readLoop feeds inbound envelopes to the room until the connection fails.
func (h *RoomHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *negotiation.Session, role model.PartyRole, replies chan<- model.Envelope, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * h.heartbeat
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.String("contract_id", s.ID()), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.reply(ctx, replies, errorEnvelope(s.ID(), role, "invalid_message", "malformed envelope"))
			continue
		}
		if err := validateEnvelope(env); err != nil {
			h.reply(ctx, replies, errorEnvelope(s.ID(), role, "invalid_message", err.Error()))
			continue
		}
		if _, err := s.HandleEnvelope(ctx, role, env); err != nil {
			_, code := errorStatus(err)
			h.reply(ctx, replies, errorEnvelope(s.ID(), role, code, err.Error()))
			if errors.Is(err, negotiation.ErrSessionClosed) {
				return
			}
		}
	}
}

func (h *RoomHandler) reply(ctx context.Context, replies chan<- model.Envelope, env model.Envelope) {
	select {
	case replies <- env:
	case <-ctx.Done():
	}
}

func errorEnvelope(sessionID string, role model.PartyRole, code, message string) model.Envelope {
	env, _ := model.NewTransientEnvelope(model.EnvelopeError, sessionID, role, &model.ErrorEvent{
		Code:    code,
		Message: message,
	})
	return env
}
