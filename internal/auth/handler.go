package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// Handler wires HTTP endpoints for member authentication.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	csrf      *shared.CSRFManager
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, csrf *shared.CSRFManager) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		csrf:      csrf,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
}

// handleCSRF hands the session its anti-forgery token. Clients echo it back
// in the X-CSRF-Token header on every mutating request.
func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "", "")
		return
	}
	token, err := h.csrf.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		sess.SetUser(strconv.FormatInt(user.ID, 10))
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"name":     user.DisplayName(),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		sess.SetUser("")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
			return
		}
		httpx.RespondError(w, h.logger, err)
		return
	}
	subscribed, err := h.service.IsSubscribed(r.Context(), user.ID)
	if err != nil {
		h.logger.Warn("subscription check", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"name":          user.DisplayName(),
		"is_subscribed": subscribed,
	})
}
