package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeDomainError maps domain failures to status codes: invalid or
// duplicate identifiers and validation failures are the caller's
// fault, unknown identifiers are 404, parse errors report their
// position as plain text.
func writeDomainError(w http.ResponseWriter, err error) {
	var settingsErr *collection.SettingsError
	var parseErr *filter.ParseError

	switch {
	case errors.Is(err, photodb.ErrNotFound):
		http.Error(w, "no entity for the given identifier", http.StatusNotFound)
	case errors.Is(err, photodb.ErrInvalidIdentifier),
		errors.Is(err, photodb.ErrDuplicateIdentifier):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &settingsErr):
		writeJSON(w, http.StatusBadRequest, settingsErr.Fields)
	case errors.As(err, &parseErr):
		http.Error(w, parseErr.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// fieldErrors accumulates marshmallow-style per-field messages.
type fieldErrors map[string]string

func (e fieldErrors) write(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, e)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}
