package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "comptoir_session", time.Hour, false)
}

func TestSessionRoundTrip(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)

	sess.SetUser("42")
	sess.Set("theme", "dark")

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "comptoir_session", cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	sess2, err := sm.Load(ctx, req2)
	require.NoError(t, err)
	require.Equal(t, "42", sess2.User())
	require.Equal(t, "dark", sess2.Get("theme"))
}

func TestSessionUnknownCookieStartsFresh(t *testing.T) {
	sm := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "comptoir_session", Value: "stale-id"})

	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, sess.User())
}

func TestCSRFTokenLifecycle(t *testing.T) {
	cm := NewCSRFManager("test-secret")
	ctx := context.Background()
	sess := &Session{ID: "abc"}

	token, err := cm.EnsureToken(ctx, sess)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Stable for the session, and verifiable.
	again, err := cm.EnsureToken(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, token, again)
	require.NoError(t, cm.VerifyToken(ctx, sess, token))

	require.ErrorIs(t, cm.VerifyToken(ctx, sess, "forged"), ErrCSRFTokenMismatch)
	require.ErrorIs(t, cm.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
	require.ErrorIs(t, cm.VerifyToken(ctx, &Session{ID: "other"}, token), ErrCSRFTokenMissing)
}
