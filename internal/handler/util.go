// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/negotiation-room/internal/middleware"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/internal/template"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	middleware.WriteError(w, status, code, message)
}

// errorStatus maps an error onto an HTTP status and a machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, template.ErrUnknownTemplate):
		return http.StatusBadRequest, "unknown_template"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	case errors.Is(err, negotiation.ErrSeatTaken):
		return http.StatusConflict, negotiation.CodeOf(err)
	case errors.Is(err, negotiation.ErrUnknownParty):
		return http.StatusForbidden, negotiation.CodeOf(err)
	}

	switch negotiation.KindOf(err) {
	case negotiation.KindValidation:
		return http.StatusBadRequest, negotiation.CodeOf(err)
	case negotiation.KindState:
		return http.StatusConflict, negotiation.CodeOf(err)
	case negotiation.KindTransport:
		return http.StatusServiceUnavailable, negotiation.CodeOf(err)
	case negotiation.KindExternal:
		return http.StatusBadGateway, negotiation.CodeOf(err)
	}
	return http.StatusInternalServerError, "internal"
}

// respondError writes err with its mapped status. Internal errors are not
// echoed to the client.
func respondError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, code, message)
}

// afterSequence parses the after_sequence replay cursor.
func afterSequence(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after_sequence")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// intParam parses a bounded integer query parameter.
func intParam(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
