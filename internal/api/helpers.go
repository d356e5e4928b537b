package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// chiParam is a thin wrapper over chi.URLParam for readability at call sites
// that don't need UUID parsing (run IDs and asset IDs are opaque strings).
func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// isNotExist reports whether err is or wraps an os.ErrNotExist.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// parseUUID extracts and parses the named chi URL parameter as a UUID,
// writing a 400 response and returning ok=false on failure.
func parseUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+name+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a raw UUID string from a query parameter.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
