package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// PermCatalogAdmin guards the hand-written product/type admin endpoints.
const PermCatalogAdmin = "catalog.admin"

// Handler exposes the catalog admin CRUD.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers catalog admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/product-types", h.listTypes)
	r.Post("/product-types", h.createType)
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
	r.Patch("/products/{id}", h.updateProduct)
	r.Post("/counters", h.createCounter)
	r.Get("/counters/{id}", h.getCounterAdmin)
	r.Patch("/counters/{id}", h.updateCounter)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return false
	}
	if !caller.HasPerm(PermCatalogAdmin) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
		return false
	}
	return true
}

func (h *Handler) listTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.repo.ListProductTypes(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, types)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req CreateProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	product, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return
	}
	var req UpdateProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	product, err := h.service.UpdateProduct(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) createType(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req CreateProductTypeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	t, err := h.service.CreateProductType(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) createCounter(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req CreateCounterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	c, err := h.service.CreateCounter(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) getCounterAdmin(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return
	}
	c, err := h.service.GetCounter(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) updateCounter(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return
	}
	var req UpdateCounterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	c, err := h.service.UpdateCounter(r.Context(), id, req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
	case errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error(), "")
	case errors.Is(err, ErrPriceInversion), errors.Is(err, money.ErrParse):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
	default:
		httpx.RespondError(w, h.logger, err)
	}
}
