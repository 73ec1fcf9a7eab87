// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Sentinel errors shared by the domain layer. Services wrap these so the
// HTTP translation happens exactly once, here.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("business conflict")
)

// RespondError maps domain errors to RFC7807 responses. Authentication
// failures never reveal which credential was wrong; internal errors never
// reveal details, only a correlation id the logs can be grepped for.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error(), "")
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error(), "")
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error(), "")
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", "", "")
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
	default:
		correlationID := uuid.NewString()
		if logger != nil {
			logger.Error("internal error", slog.String("correlation_id", correlationID), slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "", correlationID)
	}
}
