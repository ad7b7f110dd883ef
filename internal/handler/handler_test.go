package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/negotiation-room/internal/middleware"
	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/service"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/internal/template"
	"github.com/capitalize-ai/negotiation-room/internal/transport"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

const secret = "test-secret"

type api struct {
	t      *testing.T
	server *httptest.Server
	rooms  *service.RoomManager
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	catalog, err := template.Builtin()
	require.NoError(t, err)

	hub := transport.NewHub(64, log)
	rooms := service.NewRoomManager(st, hub, nil, service.RoomConfig{Policy: negotiation.DefaultPolicy()}, log)
	contracts := service.NewContractService(st, catalog, rooms, log)

	router := NewRouter(RouterConfig{
		Health:    NewHealthHandler(st, nil),
		Contracts: NewContractHandler(contracts, log),
		Rooms:     NewRoomHandler(rooms, hub, time.Minute, log),
		JWTSecret: secret,
		Logger:    log,
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = rooms.Shutdown(context.Background())
	})
	return &api{t: t, server: server, rooms: rooms}
}

func (a *api) token(user string) string {
	a.t.Helper()
	claims := middleware.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(a.t, err)
	return s
}

// do sends a request as user and decodes the JSON response into out.
func (a *api) do(user, method, path string, body, out interface{}) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(a.t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(user))
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// seated creates a contract with alice as client and bob as freelancer.
func (a *api) seated() string {
	a.t.Helper()
	var c model.Contract
	require.Equal(a.t, http.StatusCreated, a.do("alice", http.MethodPost, "/api/v1/contracts",
		model.CreateContractRequest{Title: "Landing page", TemplateID: "project-quick"}, &c))
	require.Equal(a.t, http.StatusOK, a.do("alice", http.MethodPost, "/api/v1/contracts/"+c.ID+"/join",
		model.JoinRequest{Role: model.RoleClient}, nil))
	require.Equal(a.t, http.StatusOK, a.do("bob", http.MethodPost, "/api/v1/contracts/"+c.ID+"/join",
		model.JoinRequest{Role: model.RoleFreelancer}, nil))
	return c.ID
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, a.do("", http.MethodGet, "/health", nil, &body))
	assert.Equal(t, http.StatusOK, a.do("", http.MethodGet, "/ready", nil, &body))
	assert.Equal(t, "ready", body["status"])
}

func TestContractsAPI(t *testing.T) {
	a := newAPI(t)

	var e errorBody
	assert.Equal(t, http.StatusUnauthorized, a.do("", http.MethodGet, "/api/v1/contracts", nil, &e))

	var templates ListTemplatesResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/api/v1/templates", nil, &templates))
	assert.Len(t, templates.Templates, 2)

	var c model.Contract
	require.Equal(t, http.StatusCreated, a.do("alice", http.MethodPost, "/api/v1/contracts",
		model.CreateContractRequest{Title: "Landing page", TemplateID: "project-quick"}, &c))
	assert.Equal(t, "Landing page", c.Title)
	assert.Equal(t, model.ContractStatusDraft, c.Status)
	assert.Len(t, c.Sections, 5)

	var snap negotiation.Snapshot
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/api/v1/contracts/"+c.ID, nil, &snap))
	assert.Equal(t, negotiation.StateInitializing, snap.State)
	assert.Equal(t, c.ID, snap.ContractID)

	var list ListContractsResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, "/api/v1/contracts?limit=5", nil, &list))
	require.Len(t, list.Contracts, 1)
	assert.Equal(t, c.ID, list.Contracts[0].ID)
	assert.Equal(t, 5, list.Limit)

	e = errorBody{}
	assert.Equal(t, http.StatusBadRequest, a.do("alice", http.MethodPost, "/api/v1/contracts",
		model.CreateContractRequest{TemplateID: "nda"}, &e))
	assert.Equal(t, "unknown_template", e.Error.Code)

	e = errorBody{}
	assert.Equal(t, http.StatusBadRequest, a.do("alice", http.MethodGet, "/api/v1/contracts/not-a-uuid", nil, &e))
	assert.Equal(t, "invalid_request", e.Error.Code)

	e = errorBody{}
	assert.Equal(t, http.StatusNotFound, a.do("alice", http.MethodGet, "/api/v1/contracts/0190f5e4-8c1a-7b3e-9c2d-2f6f0a1b2c3d", nil, &e))
	assert.Equal(t, "not_found", e.Error.Code)
}

func TestRoomCommands(t *testing.T) {
	a := newAPI(t)
	id := a.seated()
	base := "/api/v1/contracts/" + id

	var e errorBody
	assert.Equal(t, http.StatusConflict, a.do("carol", http.MethodPost, base+"/join",
		model.JoinRequest{Role: model.RoleClient}, &e))
	assert.Equal(t, "seat_taken", e.Error.Code)

	e = errorBody{}
	assert.Equal(t, http.StatusBadRequest, a.do("carol", http.MethodPost, base+"/join",
		model.JoinRequest{Role: model.RoleMediator}, &e))

	e = errorBody{}
	assert.Equal(t, http.StatusForbidden, a.do("carol", http.MethodGet, base+"/log", nil, &e))
	assert.Equal(t, "not_a_party", e.Error.Code)

	// alice proposes, bob accepts; the proposer's position counts.
	var ack EnvelopeResponse
	require.Equal(t, http.StatusCreated, a.do("alice", http.MethodPost, base+"/envelopes", model.Envelope{
		Type: model.EnvelopeNegotiationEvent,
		Payload: raw(t, model.NegotiationEvent{
			ID: "p1", SectionID: "scope", Type: model.EventProposal,
			Data: map[string]any{model.DataContent: "A five page marketing site."},
		}),
	}, &ack))
	assert.Equal(t, uint64(3), ack.Sequence)
	require.NotNil(t, ack.Entry)
	assert.Equal(t, model.RoleClient, ack.Entry.Event.PerformedBy)

	// Resubmitting the same event id commits nothing.
	ack = EnvelopeResponse{}
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodPost, base+"/envelopes", model.Envelope{
		Type: model.EnvelopeNegotiationEvent,
		Payload: raw(t, model.NegotiationEvent{
			ID: "p1", SectionID: "scope", Type: model.EventProposal,
			Data: map[string]any{model.DataContent: "A five page marketing site."},
		}),
	}, &ack))
	assert.Zero(t, ack.Sequence)

	require.Equal(t, http.StatusCreated, a.do("bob", http.MethodPost, base+"/envelopes", model.Envelope{
		Type: model.EnvelopeNegotiationEvent,
		Payload: raw(t, model.NegotiationEvent{
			ID: "a1", SectionID: "scope", Type: model.EventAcceptance,
			Data: map[string]any{model.DataProposalID: "p1"},
		}),
	}, nil))

	var snap negotiation.Snapshot
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, base, nil, &snap))
	assert.Equal(t, model.SectionAgreed, snap.Sections[0].Status)
	assert.Equal(t, "timeline", snap.CurrentSectionID)

	// Events outside the current section are refused.
	e = errorBody{}
	assert.Equal(t, http.StatusBadRequest, a.do("bob", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeNegotiationEvent,
		Payload: raw(t, model.NegotiationEvent{ID: "x", SectionID: "nope", Type: model.EventComment}),
	}, &e))
	assert.Equal(t, "unknown_section", e.Error.Code)

	e = errorBody{}
	assert.Equal(t, http.StatusConflict, a.do("alice", http.MethodPost, base+"/sign", nil, &e))

	require.Equal(t, http.StatusOK, a.do("alice", http.MethodPost, base+"/abandon", nil, &snap))
	assert.Equal(t, negotiation.StateAbandoned, snap.State)

	e = errorBody{}
	assert.Equal(t, http.StatusConflict, a.do("bob", http.MethodPost, base+"/advance", nil, &e))
}

func TestLogHidesPrivateMessages(t *testing.T) {
	a := newAPI(t)
	id := a.seated()
	base := "/api/v1/contracts/" + id

	require.Equal(t, http.StatusCreated, a.do("alice", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "What is my walk-away price?", Private: true}),
	}, nil))
	require.Equal(t, http.StatusCreated, a.do("bob", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "Hello both"}),
	}, nil))

	var mine, theirs LogResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, base+"/log?after_sequence=2", nil, &mine))
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, base+"/log?after_sequence=2", nil, &theirs))

	require.Len(t, mine.Entries, 2)
	assert.Equal(t, model.Sender("user"), mine.Entries[0].Message.Sender)
	assert.Equal(t, model.Sender("other_party"), mine.Entries[1].Message.Sender)

	require.Len(t, theirs.Entries, 1)
	assert.Equal(t, "Hello both", theirs.Entries[0].Message.Content)
	assert.Equal(t, mine.LastSequence, theirs.LastSequence)

	var page LogResponse
	require.Equal(t, http.StatusOK, a.do("alice", http.MethodGet, base+"/log?limit=1", nil, &page))
	assert.Len(t, page.Entries, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, uint64(1), page.LastSequence)

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, a.do("alice", http.MethodGet, base+"/log?after_sequence=-1", nil, &e))
}

func TestLogCursorSkipsHiddenTail(t *testing.T) {
	a := newAPI(t)
	id := a.seated()
	base := "/api/v1/contracts/" + id

	require.Equal(t, http.StatusCreated, a.do("bob", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "Hello both"}),
	}, nil))
	var private EnvelopeResponse
	require.Equal(t, http.StatusCreated, a.do("alice", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "Should I push back?", Private: true}),
	}, &private))

	var first LogResponse
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, base+"/log?after_sequence=2", nil, &first))
	require.Len(t, first.Entries, 1)
	assert.Equal(t, "Hello both", first.Entries[0].Message.Content)
	assert.False(t, first.HasMore)
	assert.Equal(t, private.Sequence, first.LastSequence, "the cursor moves past entries bob cannot see")

	var next LogResponse
	require.Equal(t, http.StatusOK, a.do("bob", http.MethodGet, fmt.Sprintf("%s/log?after_sequence=%d", base, first.LastSequence), nil, &next))
	assert.Empty(t, next.Entries)
	assert.Equal(t, first.LastSequence, next.LastSequence)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamReplaysThenGoesLive(t *testing.T) {
	a := newAPI(t)
	id := a.seated()
	base := "/api/v1/contracts/" + id

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.server.URL+base+"/stream?access_token="+a.token("alice"), nil)
	require.NoError(t, err)
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readEvent(t, r).name)
	assert.Equal(t, "control", readEvent(t, r).name)
	assert.Equal(t, "control", readEvent(t, r).name)

	done := readEvent(t, r)
	require.Equal(t, "replay_complete", done.name)
	var rc ReplayCompleteEvent
	require.NoError(t, json.Unmarshal([]byte(done.data), &rc))
	assert.Equal(t, uint64(2), rc.LastSequence)
	assert.Equal(t, 2, rc.EntryCount)

	require.Equal(t, http.StatusCreated, a.do("bob", http.MethodPost, base+"/envelopes", model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "Ready when you are"}),
	}, nil))

	live := readEvent(t, r)
	require.Equal(t, "chat", live.name)
	var env model.Envelope
	require.NoError(t, json.Unmarshal([]byte(live.data), &env))
	assert.Equal(t, uint64(3), env.Sequence)
	var msg model.NegotiationMessage
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, model.Sender("other_party"), msg.Sender)
}

func TestWebSocketRoundTrip(t *testing.T) {
	a := newAPI(t)
	id := a.seated()

	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/api/v1/contracts/" + id + "/ws?after_sequence=1&access_token=" + a.token("bob")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env model.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EnvelopeControl, env.Type)
	assert.Equal(t, uint64(2), env.Sequence)

	var marker struct {
		Type    string              `json:"type"`
		Payload ReplayCompleteEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&marker))
	assert.Equal(t, "replay_complete", marker.Type)
	assert.Equal(t, uint64(2), marker.Payload.LastSequence)

	require.NoError(t, conn.WriteJSON(model.Envelope{
		Type:    model.EnvelopeChat,
		Payload: raw(t, model.ChatRequest{Content: "Sent over the socket"}),
	}))
	env = model.Envelope{}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EnvelopeChat, env.Type)
	assert.Equal(t, uint64(3), env.Sequence)

	// Failures are reported to the sender only.
	require.NoError(t, conn.WriteJSON(model.Envelope{
		Type:    model.EnvelopeNegotiationEvent,
		Payload: raw(t, model.NegotiationEvent{ID: "x", SectionID: "nope", Type: model.EventComment}),
	}))
	env = model.Envelope{}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EnvelopeError, env.Type)
	assert.Equal(t, model.RoleFreelancer, env.Audience)
	var ee model.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ee))
	assert.Equal(t, "unknown_section", ee.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env = model.Envelope{}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EnvelopeError, env.Type)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{template.ErrUnknownTemplate, http.StatusBadRequest, "unknown_template"},
		{negotiation.ErrSeatTaken, http.StatusConflict, "seat_taken"},
		{negotiation.ErrUnknownParty, http.StatusForbidden, "unknown_party"},
		{negotiation.ErrStaleProposal, http.StatusBadRequest, "stale_proposal"},
		{negotiation.ErrSectionNotActive, http.StatusConflict, "section_not_active"},
		{negotiation.ErrPersistence, http.StatusServiceUnavailable, "persistence_error"},
		{negotiation.ErrAIUnavailable, http.StatusBadGateway, "ai_unavailable"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{assert.AnError, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
