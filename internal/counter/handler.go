package counter

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
	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/observability"
	"github.com/ae-utbm/comptoir/internal/platform/httpx"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// PermCounterAdmin guards the sale and top-up reversal endpoints.
const PermCounterAdmin = "counter.admin"

// TokenHeader carries the per-counter barman token issued at login.
const TokenHeader = "X-Counter-Token"

// IdempotencyHeader lets tills retry a top-up without crediting twice.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the counter-side HTTP surface.
type Handler struct {
	logger    *slog.Logger
	tracker   *Tracker
	session   *Session
	catalog   *catalog.Service
	customers *customer.Service
	users     *auth.Service
	refills   *RefillService
	engine    *SellingEngine
	repo      Repository
	metrics   *observability.Metrics
	idem      *shared.IdempotencyStore
	validator *validator.Validate
}

// NewHandler constructs a Handler. Metrics and the idempotency store may
// be nil.
func NewHandler(logger *slog.Logger, tracker *Tracker, session *Session, cat *catalog.Service, customers *customer.Service, users *auth.Service, refills *RefillService, engine *SellingEngine, repo Repository, metrics *observability.Metrics, idem *shared.IdempotencyStore) *Handler {
	return &Handler{
		logger:    logger,
		tracker:   tracker,
		session:   session,
		catalog:   cat,
		customers: customers,
		users:     users,
		refills:   refills,
		engine:    engine,
		repo:      repo,
		metrics:   metrics,
		idem:      idem,
		validator: validator.New(),
	}
}

// MountRoutes registers the counter routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/counters/{id}", func(r chi.Router) {
		r.Get("/", h.getCounter)
		r.Post("/login", h.login)
		r.Post("/logout", h.logout)
		r.Post("/click", h.openSession)
		r.Post("/click/{customer_id}", h.click)
		r.Post("/refill/{customer_id}", h.refill)
	})
	r.Get("/customers/{customer_id}/statement", h.statement)
	r.Delete("/sellings/{id}", h.deleteSelling)
	r.Delete("/refillings/{id}", h.deleteRefilling)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	token, err := h.tracker.LoginBarman(r.Context(), counterID, req.Username, req.Password)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"token": token})
}

type logoutRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req logoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	// Closing someone's permanency needs that barman's own counter token,
	// otherwise anyone could empty the bar roster with a POST.
	if err := h.tracker.Authorize(r.Context(), counterID, req.UserID, r.Header.Get(TokenHeader)); err != nil {
		h.respondDomainError(w, err)
		return
	}
	if err := h.tracker.LogoutBarman(r.Context(), counterID, req.UserID); err != nil {
		h.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type counterView struct {
	Counter  *catalog.Counter  `json:"counter"`
	Barmen   []int64           `json:"active_barmen"`
	Products []catalog.Product `json:"products,omitempty"`
}

func (h *Handler) getCounter(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.catalog.GetCounter(r.Context(), counterID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	active, err := h.tracker.ActiveBarmen(r.Context(), counterID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	view := counterView{Counter: c, Barmen: make([]int64, 0, len(active))}
	for id := range active {
		view.Barmen = append(view.Barmen, id)
	}
	httpx.JSON(w, http.StatusOK, view)
}

type openSessionRequest struct {
	BarmanID          int64  `json:"barman_id" validate:"required"`
	CustomerAccountID string `json:"customer_account_id" validate:"required"`
}

type sessionView struct {
	Customer *customer.Customer `json:"customer"`
	Basket   *Basket            `json:"basket"`
}

// openSession is the till entry point: the barman types the customer's
// account code, which opens the (counter, customer) selling session and
// shows the balance.
func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req openSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	if err := h.tracker.Authorize(r.Context(), counterID, req.BarmanID, r.Header.Get(TokenHeader)); err != nil {
		h.respondDomainError(w, err)
		return
	}

	c, err := h.catalog.GetCounter(r.Context(), counterID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	cust, err := h.customers.GetByAccountID(r.Context(), req.CustomerAccountID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	basket, err := h.session.Open(r.Context(), c, cust.UserID, req.BarmanID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{Customer: cust, Basket: basket})
}

type clickRequest struct {
	BarmanID  int64  `json:"barman_id" validate:"required"`
	Command   string `json:"command" validate:"required"`
	RequestID string `json:"request_id" validate:"required"`
}

func (h *Handler) click(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}
	var req clickRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	if err := h.tracker.Authorize(r.Context(), counterID, req.BarmanID, r.Header.Get(TokenHeader)); err != nil {
		h.respondDomainError(w, err)
		return
	}

	c, err := h.catalog.GetCounter(r.Context(), counterID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	customerUser, err := h.users.GetUser(r.Context(), customerID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	result, err := h.session.Apply(r.Context(), c, customerUser, req.BarmanID, req.Command, req.RequestID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if result.Receipt != nil {
		for _, s := range result.Receipt.Sellings {
			h.metrics.RecordSelling(string(s.PaymentMethod))
		}
	}
	httpx.JSON(w, http.StatusOK, result)
}

type refillRequest struct {
	BarmanID      int64  `json:"barman_id" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=CASH CHECK"`
	Bank          string `json:"bank"`
}

func (h *Handler) refill(w http.ResponseWriter, r *http.Request) {
	counterID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}
	var req refillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", "")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	if err := h.tracker.Authorize(r.Context(), counterID, req.BarmanID, r.Header.Get(TokenHeader)); err != nil {
		h.respondDomainError(w, err)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
		return
	}
	idemKey := r.Header.Get(IdempotencyHeader)
	if idemKey != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), idemKey, "refill"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Conflict", "top-up already processed", "")
				return
			}
			httpx.RespondError(w, h.logger, err)
			return
		}
	}
	rf, err := h.refills.Refill(r.Context(), RefillInput{
		CounterID:     counterID,
		CustomerID:    customerID,
		OperatorID:    req.BarmanID,
		Amount:        amount,
		PaymentMethod: PaymentMethod(req.PaymentMethod),
		Bank:          req.Bank,
		Now:           h.tracker.now(),
	})
	if err != nil {
		if idemKey != "" && h.idem != nil {
			if delErr := h.idem.Delete(r.Context(), idemKey); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rf)
}

type statementView struct {
	Customer   *customer.Customer `json:"customer"`
	Sellings   []Selling          `json:"sellings"`
	Refillings []Refilling        `json:"refillings"`
}

// statement lets customers review their own ledger; staff with the admin
// permission can review anyone's.
func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}
	caller, found := shared.CallerFromContext(r.Context())
	if !found {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return
	}
	if caller.UserID != customerID && !caller.HasPerm(PermCounterAdmin) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	cust, err := h.customers.Get(r.Context(), customerID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	sellings, err := h.repo.ListSellings(r.Context(), customerID, limit)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	refillings, err := h.repo.ListRefillings(r.Context(), customerID, limit)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statementView{Customer: cust, Sellings: sellings, Refillings: refillings})
}

func (h *Handler) deleteSelling(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	review, err := h.engine.DeleteSelling(r.Context(), caller.UserID, id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"subscription_review_required": review})
}

func (h *Handler) deleteRefilling(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.refills.DeleteRefilling(r.Context(), caller.UserID, id); err != nil {
		h.respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (shared.Caller, bool) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
		return shared.Caller{}, false
	}
	if !caller.HasPerm(PermCounterAdmin) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "", "")
		return shared.Caller{}, false
	}
	return caller, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, customer.ErrNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "", "")
	// A stale token and a vanished permanency both mean the till must
	// re-authenticate, so ErrNotActiveBarman sits with the 401s.
	case errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrNotActiveBarman):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
	case errors.Is(err, ErrNotASeller), errors.Is(err, ErrNotBoardMember),
		errors.Is(err, catalog.ErrAgeGate), errors.Is(err, catalog.ErrGroupGate):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error(), "")
	case errors.Is(err, customer.ErrInsufficientFunds):
		httpx.ProblemCode(w, http.StatusConflict, "insufficient_funds", err.Error())
	case errors.Is(err, ErrEcocupLimit):
		httpx.ProblemCode(w, http.StatusConflict, "returnable_limit", err.Error())
	case errors.Is(err, ErrBalanceRollback):
		httpx.ProblemCode(w, http.StatusConflict, "balance_rollback", err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		httpx.ProblemCode(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, ErrNotABarCounter), errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrUnknownLine), errors.Is(err, ErrEmptyBasket),
		errors.Is(err, ErrRefillMethod), errors.Is(err, money.ErrParse),
		errors.Is(err, customer.ErrNegativeAmount),
		errors.Is(err, catalog.ErrUnknownCode), errors.Is(err, catalog.ErrArchived),
		errors.Is(err, catalog.ErrNotOnCounter):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), "")
	default:
		httpx.RespondError(w, h.logger, err)
	}
}
