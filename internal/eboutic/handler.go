package eboutic

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/observability"
	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// Handler exposes the online store HTTP surface.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	users     *auth.Service
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler. Metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, users *auth.Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, users: users, metrics: metrics, validator: validator.New()}
}

// MountRoutes registers the store routes. The callback route is mounted
// separately by the router so it can skip session middleware and carry its
// own rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/eboutic", func(r chi.Router) {
		r.Get("/basket", h.getBasket)
		r.Post("/basket", h.addItem)
		r.Delete("/basket", h.clearBasket)
		r.Delete("/basket/{product_id}", h.removeItem)
		r.Get("/products", h.listProducts)
		r.Post("/billing-info", h.saveBillingInfo)
		r.Post("/checkout", h.checkout)
	})
}

// MountCallback registers the gateway-facing route.
func (h *Handler) MountCallback(r chi.Router) {
	r.Post("/eboutic/callback", h.callback)
}

// identify resolves the logged-in user or writes a 401.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (*auth.User, *shared.Session, bool) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok || caller.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return nil, nil, false
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return nil, nil, false
	}
	user, err := h.users.GetUser(r.Context(), caller.UserID)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return nil, nil, false
	}
	return user, sess, true
}

func (h *Handler) getBasket(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := h.identify(w, r)
	if !ok {
		return
	}
	basket, err := h.service.LoadBasket(sess)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, basket)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	user, _, ok := h.identify(w, r)
	if !ok {
		return
	}
	products, err := h.service.catalog.AvailableProducts(r.Context(), h.service.cfg.CounterID, user, h.service.now())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

type addItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required"`
	Quantity  int   `json:"quantity" validate:"required,min=1"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	user, sess, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	basket, err := h.service.AddItem(r.Context(), sess, user, req.ProductID, req.Quantity)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, basket)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := h.identify(w, r)
	if !ok {
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return
	}
	basket, err := h.service.RemoveItem(sess, productID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, basket)
}

func (h *Handler) clearBasket(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := h.identify(w, r)
	if !ok {
		return
	}
	h.service.ClearBasket(sess)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveBillingInfo(w http.ResponseWriter, r *http.Request) {
	user, _, ok := h.identify(w, r)
	if !ok {
		return
	}
	var info BillingInfo
	if err := httpx.DecodeJSON(r, &info); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	info.UserID = user.ID
	if err := h.validator.Struct(info); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	if err := h.service.SaveBillingInfo(r.Context(), &info); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	user, sess, ok := h.identify(w, r)
	if !ok {
		return
	}
	form, err := h.service.Checkout(r.Context(), sess, user)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, form)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	var in CallbackInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(in); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	result, err := h.service.HandleCallback(r.Context(), in)
	if err != nil {
		h.metrics.RecordCallback("rejected")
		h.respondDomainError(w, err)
		return
	}
	switch {
	case result.Replayed:
		h.metrics.RecordCallback("replayed")
	case result.Approved:
		h.metrics.RecordCallback("approved")
	default:
		h.metrics.RecordCallback("refused")
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadSignature):
		// No detail: the caller learns nothing about which check failed.
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
	case errors.Is(err, ErrEmptyBasket), errors.Is(err, ErrNoBillingInfo),
		errors.Is(err, ErrBadPayload),
		errors.Is(err, catalog.ErrArchived), errors.Is(err, catalog.ErrNotOnCounter):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
	case errors.Is(err, catalog.ErrAgeGate), errors.Is(err, catalog.ErrGroupGate):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error(), "")
	case errors.Is(err, customer.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
	default:
		httpx.RespondError(w, h.logger, err)
	}
}
