package notification

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// Handler exposes the member notification feed.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the notification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/notifications", h.list)
	r.Post("/notifications/{id}/view", h.markViewed)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok || caller.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.ListForUser(r.Context(), caller.UserID, limit)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) markViewed(w http.ResponseWriter, r *http.Request) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok || caller.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid notification id", "")
		return
	}
	if err := h.service.MarkViewed(r.Context(), caller.UserID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
			return
		}
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
