package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/shared"
)

func TestLoginBarmanOpensPermanencyAndRotatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active[10])

	// A second login keeps the permanency but rotates the token, which
	// invalidates the first one.
	token2, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)

	assert.ErrorIs(t, f.tracker.Authorize(ctx, 1, 10, token), ErrInvalidToken)
	assert.NoError(t, f.tracker.Authorize(ctx, 1, 10, token2))
}

func TestLoginBarmanRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.LoginBarman(ctx, 1, "skia", "wrong")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = f.tracker.LoginBarman(ctx, 1, "nobody", "secret")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	// User 10 is not a seller of counter 2.
	f.catalog.counters[2] = f.catalog.counters[1]
	c := f.catalog.counters[2]
	c.ID = 2
	c.SellerIDs = nil
	f.catalog.counters[2] = c
	_, err = f.tracker.LoginBarman(ctx, 2, "skia", "secret")
	assert.ErrorIs(t, err, ErrNotASeller)

	// Eboutic counters have no till to log into.
	c.ID = 3
	c.Type = catalog.CounterEboutic
	f.catalog.counters[3] = c
	_, err = f.tracker.LoginBarman(ctx, 3, "skia", "secret")
	assert.ErrorIs(t, err, ErrNotABarCounter)
}

func TestLoginOfficeRequiresBoardMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An office till for club 3 with no seller list at all.
	f.catalog.counters[4] = catalog.Counter{ID: 4, Name: "Bureau AE", Type: catalog.CounterOffice, ClubID: 3}

	_, err := f.tracker.LoginBarman(ctx, 4, "skia", "secret")
	assert.ErrorIs(t, err, ErrNotBoardMember)

	f.authn.boards = map[int64][]int64{10: {3}}
	token, err := f.tracker.LoginBarman(ctx, 4, "skia", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	require.NoError(t, f.tracker.Authorize(ctx, 4, 10, token))
}

func TestLogoutBarmanClosesPermanency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	require.NoError(t, f.tracker.LogoutBarman(ctx, 1, 10))

	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Logging out twice reports there was nothing to close.
	assert.ErrorIs(t, f.tracker.LogoutBarman(ctx, 1, 10), ErrNotActiveBarman)
}

func TestSweepClosesIdleBarmenAtLastActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)
	loginAt := f.clock

	// Active ten minutes in, then silence.
	f.advance(10 * time.Minute)
	require.NoError(t, f.tracker.Heartbeat(ctx, 1, 10))
	lastSeen := f.clock

	f.advance(29 * time.Minute)
	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active[10], "still within the timeout")

	f.advance(2 * time.Minute)
	active, err = f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The permanency end is backdated to the last recorded activity, not
	// the sweep time.
	end, closed := f.repo.closedAt(1)
	require.True(t, closed)
	assert.True(t, end.Equal(lastSeen), "end %v, want %v", end, lastSeen)
	assert.True(t, end.After(loginAt))

	// The stale session cannot act anymore even with the right token.
	assert.ErrorIs(t, f.tracker.Authorize(ctx, 1, 10, token), ErrNotActiveBarman)
}

func TestSweepFallsBackToStartWhenClockMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)
	start := f.clock

	f.redis.FlushAll()
	f.advance(31 * time.Minute)

	require.NoError(t, f.tracker.SweepTimeouts(ctx))
	end, closed := f.repo.closedAt(1)
	require.True(t, closed)
	assert.True(t, end.Equal(start))
}

func TestAuthorizeRefreshesActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.tracker.LoginBarman(ctx, 1, "skia", "secret")
	require.NoError(t, err)

	// Each authorized request restarts the idle countdown.
	for i := 0; i < 3; i++ {
		f.advance(20 * time.Minute)
		require.NoError(t, f.tracker.Authorize(ctx, 1, 10, token))
	}

	active, err := f.tracker.ActiveBarmen(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active[10])
}
