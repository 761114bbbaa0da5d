package distsession_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/authlayer/authlayer/distsession"
	"github.com/authlayer/authlayer/storage"
	"github.com/stretchr/testify/require"
)

const (
	testLoginID = "user-1"
	testToken   = "tok-abc"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock *fakeClock
	store *storage.MemoryStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	return &fixture{
		clock: clock,
		store: storage.NewMemoryStore(storage.WithNowFunc(clock.Now)),
	}
}

// manager builds a Manager as the named service over the shared store, so
// tests can act as several cooperating services.
func (f *fixture) manager(serviceID string, options ...distsession.ManagerOption) *distsession.Manager {
	options = append([]distsession.ManagerOption{distsession.WithNowFunc(f.clock.Now)}, options...)
	return distsession.New(f.store, serviceID, options...)
}

func TestCreateAndGetAcrossServices(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	orders := f.manager("order-service")
	billing := f.manager("billing-service")

	session, err := orders.CreateSession(ctx, testLoginID, testToken)
	require.NoError(t, err)
	require.NotEmpty(t, session.SessionID)
	require.Equal(t, "order-service", session.ServiceID)

	// Any service holding the id can read the session.
	loaded, err := billing.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, testLoginID, loaded.LoginID)
	require.Equal(t, testToken, loaded.Token)
	require.Equal(t, "order-service", loaded.ServiceID)
}

func TestGetSessionNotFound(t *testing.T) {
	f := setup(t)
	_, err := f.manager("svc").GetSession(context.Background(), "no-such-id")
	require.ErrorIs(t, err, distsession.ErrSessionNotFound)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	manager := f.manager("svc", distsession.WithSessionTTL(time.Minute))

	session, err := manager.CreateSession(ctx, testLoginID, testToken)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	_, err = manager.GetSession(ctx, session.SessionID)
	require.ErrorIs(t, err, distsession.ErrSessionNotFound)
}

func TestRefreshSessionExtendsLifetime(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	manager := f.manager("svc", distsession.WithSessionTTL(time.Hour))

	session, err := manager.CreateSession(ctx, testLoginID, testToken)
	require.NoError(t, err)

	f.clock.Advance(50 * time.Minute)
	refreshed, err := manager.RefreshSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.True(t, refreshed.LastAccessAt.After(session.LastAccessAt))

	// Without the refresh the session would have expired here.
	f.clock.Advance(30 * time.Minute)
	_, err = manager.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	orders := f.manager("order-service")
	billing := f.manager("billing-service")

	session, err := orders.CreateSession(ctx, testLoginID, testToken)
	require.NoError(t, err)

	require.NoError(t, orders.SetAttribute(ctx, session.SessionID, "role", "admin"))
	require.NoError(t, orders.SetAttribute(ctx, session.SessionID, "department", "ops"))

	// Attributes written by one service are visible to another.
	role, err := billing.GetAttribute(ctx, session.SessionID, "role")
	require.NoError(t, err)
	require.Equal(t, "admin", role)

	require.NoError(t, billing.RemoveAttribute(ctx, session.SessionID, "role"))

	_, err = orders.GetAttribute(ctx, session.SessionID, "role")
	require.ErrorIs(t, err, distsession.ErrAttributeNotFound)

	department, err := orders.GetAttribute(ctx, session.SessionID, "department")
	require.NoError(t, err)
	require.Equal(t, "ops", department)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	manager := f.manager("svc")

	session, err := manager.CreateSession(ctx, testLoginID, testToken)
	require.NoError(t, err)

	require.NoError(t, manager.DeleteSession(ctx, session.SessionID))
	require.NoError(t, manager.DeleteSession(ctx, session.SessionID)) // idempotent

	_, err = manager.GetSession(ctx, session.SessionID)
	require.ErrorIs(t, err, distsession.ErrSessionNotFound)

	sessions, err := manager.SessionsByLoginID(ctx, testLoginID)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestMultiDeviceScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	web := f.manager("web-portal")
	mobile := f.manager("mobile-gateway")

	first, err := web.CreateSession(ctx, testLoginID, "tok-web")
	require.NoError(t, err)
	second, err := mobile.CreateSession(ctx, testLoginID, "tok-mobile")
	require.NoError(t, err)

	sessions, err := web.SessionsByLoginID(ctx, testLoginID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	ids := []string{sessions[0].SessionID, sessions[1].SessionID}
	require.ElementsMatch(t, []string{first.SessionID, second.SessionID}, ids)

	// Mass logout from either service empties the login's session set.
	require.NoError(t, mobile.DeleteAllSessions(ctx, testLoginID))

	sessions, err = web.SessionsByLoginID(ctx, testLoginID)
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = web.GetSession(ctx, first.SessionID)
	require.ErrorIs(t, err, distsession.ErrSessionNotFound)
}

func TestSessionsByLoginIDPrunesExpired(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	manager := f.manager("svc", distsession.WithSessionTTL(time.Minute))

	_, err := manager.CreateSession(ctx, testLoginID, "tok-1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	live, err := manager.CreateSession(ctx, testLoginID, "tok-2")
	require.NoError(t, err)

	sessions, err := manager.SessionsByLoginID(ctx, testLoginID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, live.SessionID, sessions[0].SessionID)
}
