package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

// maxBodySize bounds every JSON request body.
const maxBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a bounded JSON body into T. It writes a 400 and returns
// false on malformed input.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// mapError converts service errors to the fixed status and message pairs.
// Anything unrecognised is a storage or programming failure and is logged,
// never shown.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *auth.RateLimitError
	switch {
	case errors.As(err, &rl):
		writeRateLimited(w, rl.RetryAfter)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, auth.ErrSecondFactorInvalid):
		writeError(w, http.StatusUnauthorized, auth.ErrSecondFactorInvalid.Error())
	case errors.Is(err, auth.ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, auth.ErrSessionInvalid.Error())
	case errors.Is(err, auth.ErrAlreadyEnabled):
		writeError(w, http.StatusUnauthorized, auth.ErrAlreadyEnabled.Error())
	case errors.Is(err, auth.ErrNotEnabled):
		writeError(w, http.StatusUnauthorized, auth.ErrNotEnabled.Error())
	case errors.Is(err, auth.ErrInvalidEnrollmentCode):
		writeError(w, http.StatusBadRequest, auth.ErrInvalidEnrollmentCode.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, auth.ErrForbidden.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.writeInternalError(w, r, err)
	}
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func invalidField(name string) error {
	return fmt.Errorf("%w: %s is required", auth.ErrInvalidInput, name)
}
