package apiclient

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// PermAPIAdmin guards api client administration.
const PermAPIAdmin = "apiclient.admin"

// KeyHeader carries the machine-to-machine bearer token.
const KeyHeader = "X-APIKey"

// Handler exposes the third-party auth handshake and the api-link admin
// surface.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	users     *auth.Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, users *auth.Service) *Handler {
	return &Handler{logger: logger, service: service, users: users, validator: validator.New()}
}

// MountRoutes registers the session-facing routes under /api-link.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/api-link", func(r chi.Router) {
		r.Get("/third-party-auth", h.consent)
		r.Post("/third-party-auth", h.confirm)

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.createClient)
			r.Get("/", h.listClients)
			r.Post("/{id}/rotate-key", h.rotateKey)
			r.Post("/{id}/keys", h.createKey)
			r.Delete("/keys/{key_id}", h.revokeKey)
		})
	})
}

// MountAPI registers the machine-to-machine routes behind RequireKey.
func (h *Handler) MountAPI(r chi.Router) {
	r.With(h.RequireKey).Get("/api/v1/client/me", h.me)
}

// RequireKey authenticates the X-APIKey header and stores the client's
// identity as the request caller.
func (h *Handler) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := h.service.AuthenticateKey(r.Context(), r.Header.Get(KeyHeader))
		if err != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
			return
		}
		ctx := shared.ContextWithCaller(r.Context(), shared.Caller{ClientID: c.ID, Perms: c.Permissions})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	caller, _ := shared.CallerFromContext(r.Context())
	c, err := h.service.repo.GetClient(r.Context(), caller.ClientID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

// authRequestFromQuery binds the signed redirect query.
func (h *Handler) authRequestFromQuery(r *http.Request) (AuthRequest, error) {
	q := r.URL.Query()
	clientID, err := strconv.ParseInt(q.Get("client_id"), 10, 64)
	if err != nil {
		return AuthRequest{}, errors.New("bad client_id")
	}
	req := AuthRequest{
		ClientID:      clientID,
		ThirdPartyApp: q.Get("third_party_app"),
		CGULink:       q.Get("cgu_link"),
		Username:      q.Get("username"),
		CallbackURL:   q.Get("callback_url"),
		Signature:     q.Get("signature"),
	}
	return req, h.validator.Struct(req)
}

func (h *Handler) consent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	req, err := h.authRequestFromQuery(r)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	consent, _, err := h.service.VerifyRequest(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, consent)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req AuthRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	if err := h.service.Confirm(r.Context(), req, user); err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type createClientRequest struct {
	Name        string   `json:"name" validate:"required"`
	OwnerID     int64    `json:"owner_id" validate:"required"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) createClient(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req createClientRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	c, err := h.service.RegisterClient(r.Context(), req.Name, req.OwnerID, req.Permissions)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	clients, err := h.service.repo.ListClients(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, clients)
}

func (h *Handler) rotateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid client id", "")
		return
	}
	key, err := h.service.RotateHMACKey(r.Context(), clientID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"hmac_key": key})
}

type createKeyRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid client id", "")
		return
	}
	var req createKeyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	token, k, err := h.service.GenerateKey(r.Context(), clientID, req.Name)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	// The token is shown once and never again.
	httpx.JSON(w, http.StatusCreated, map[string]any{"token": token, "key": k})
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	keyID, err := strconv.ParseInt(chi.URLParam(r, "key_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid key id", "")
		return
	}
	if err := h.service.RevokeKey(r.Context(), keyID); err != nil {
		h.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok || caller.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return nil, false
	}
	user, err := h.users.GetUser(r.Context(), caller.UserID)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return nil, false
	}
	return user, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return false
	}
	if !caller.HasPerm(PermAPIAdmin) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
		return false
	}
	return true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrInvalidKey):
		// Which field was wrong is never disclosed.
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
	case errors.Is(err, ErrCallbackFailed):
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "the application did not accept the profile", "")
	default:
		httpx.RespondError(w, h.logger, err)
	}
}
