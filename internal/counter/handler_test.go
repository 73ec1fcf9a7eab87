package counter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/money"
)

func newTestRouter(t *testing.T, f *fixture) *chi.Mux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, f.tracker, f.session, catalog.NewService(f.catalog),
		customer.NewService(f.customers), nil, f.refills, f.engine, f.repo, nil, nil)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLogoutRequiresCounterToken(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	ctx := context.Background()

	_, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	// An anonymous logout must not close someone else's permanency.
	rec := doJSON(t, r, http.MethodPost, "/counters/1/logout", "", `{"user_id":10}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active[10], "barman must still be on shift")
}

func TestLogoutWithValidToken(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/counters/1/logout", token, `{"user_id":10}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOpenSessionByAccountCode(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	ctx := context.Background()

	f.customers.add(42, "13.37")
	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/counters/1/click", token,
		`{"barman_id":10,"customer_account_id":"42a"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Customer)
	assert.Equal(t, int64(42), view.Customer.UserID)
	assert.Equal(t, money.MustParse("13.37"), view.Customer.Amount)
	require.NotNil(t, view.Basket)
	assert.Empty(t, view.Basket.Lines)
}

func TestOpenSessionUnknownAccountCode(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/counters/1/click", token,
		`{"barman_id":10,"customer_account_id":"9999z"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaleTokenGetsUnauthorized(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)
	require.NoError(t, f.tracker.LogoutBarman(ctx, 1, 10))

	// The token is still the counter's current one, but the permanency is
	// gone. The till must be told to log in again, not that it is
	// forbidden.
	rec := doJSON(t, r, http.MethodPost, "/counters/1/click", token,
		`{"barman_id":10,"customer_account_id":"42a"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
