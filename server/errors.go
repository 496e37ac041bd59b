package server

import (
	"encoding/json"
	"errors"
	"net/http"

	chopsticks "github.com/pgolbus/chopsticks"
	"github.com/pgolbus/chopsticks/auth"
	"github.com/pgolbus/chopsticks/sticks"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidSeq   = errors.New("move sequence must be a non-negative integer")
	ErrBadRequest   = errors.New("malformed request body")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	if e, ok := sticks.AsError(err); ok {
		if e.Kind == sticks.KindMalformed {
			return http.StatusBadRequest, e.Code
		}
		return http.StatusConflict, e.Code
	}

	switch {
	case errors.Is(err, chopsticks.ErrGameNotFound):
		return http.StatusNotFound, "game_not_found"
	case errors.Is(err, chopsticks.ErrSequenceGap):
		return http.StatusConflict, "sequence_gap"
	case errors.Is(err, chopsticks.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, chopsticks.ErrAtCapacity):
		return http.StatusServiceUnavailable, "at_capacity"
	case errors.Is(err, chopsticks.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, chopsticks.ErrBrokerStopped):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, chopsticks.ErrMatchmakingTimeout):
		return http.StatusRequestTimeout, "matchmaking_timeout"
	case errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized, "missing_token"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, auth.ErrWrongGame), errors.Is(err, auth.ErrWrongSeat):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidSeq):
		return http.StatusBadRequest, "invalid_seq"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	}
	return http.StatusInternalServerError, "internal"
}

func errorBody(err error) (int, ErrorResponse) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	return status, ErrorResponse{Error: msg, Code: code}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nolint:errcheck
	json.NewEncoder(w).Encode(data)
}
