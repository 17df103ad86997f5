package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"cabinet-drop/internal/cabinet"
	"cabinet-drop/internal/gateway"
	"cabinet-drop/internal/keyring"
	"cabinet-drop/internal/vault"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// classify maps a core error to its HTTP status and wire kind. A wrong
// password is deliberately indistinguishable from a missing cabinet so
// responses leak nothing about which cabinets hold content.
func classify(err error) (int, errorBody) {
	switch {
	case errors.Is(err, cabinet.ErrNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, vault.ErrWrongPassword):
		return http.StatusNotFound, errorBody{Kind: "not_found", Message: "cabinet not found"}
	case errors.Is(err, cabinet.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, errorBody{Kind: "capacity_exhausted", Message: "no free cabinets"}
	case errors.Is(err, cabinet.ErrInvalidToken):
		return http.StatusForbidden, errorBody{Kind: "invalid_token", Message: "hold token not valid for this cabinet"}
	case errors.Is(err, cabinet.ErrAlreadyOccupied):
		return http.StatusConflict, errorBody{Kind: "already_occupied", Message: "cabinet is already occupied"}
	case errors.Is(err, cabinet.ErrExpired):
		return http.StatusGone, errorBody{Kind: "expired", Message: "hold has expired"}
	case errors.Is(err, cabinet.ErrNoContent):
		return http.StatusBadRequest, errorBody{Kind: "bad_request", Message: "no content supplied"}
	case errors.Is(err, gateway.ErrTooManyAttempts):
		return http.StatusTooManyRequests, errorBody{Kind: "too_many_attempts", Message: "cabinet temporarily locked"}
	case errors.Is(err, keyring.ErrDecryptionFailure):
		return http.StatusBadRequest, errorBody{Kind: "decryption_failure", Message: "credential could not be decrypted"}
	case errors.Is(err, vault.ErrEncryptionFailure):
		return http.StatusInternalServerError, errorBody{Kind: "encryption_failure", Message: "content could not be stored"}
	default:
		return http.StatusInternalServerError, errorBody{Kind: "internal", Message: "internal error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("service=server msg=\"unclassified error\" err=%q", err)
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("service=server msg=\"encode response\" err=%q", err)
	}
}
