package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/mono-db/mono-proxy-server/internal/backend"
	"github.com/mono-db/mono-proxy-server/internal/session"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckReplenishesUpToMinSize(t *testing.T) {
	dialer, dials := pipeDialer("hunter2")
	pool := backend.New(backend.WithDialer(dialer), backend.WithMaxSize(5), backend.WithMinSize(3))
	inst := testInstance()

	link, err := pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	pool.Return(inst.Key, link, backend.OutcomeClean, true)
	require.Equal(t, 1, *dials)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.StartHealthChecks(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool { return *dials == 3 }, time.Second, 10*time.Millisecond)
	cancel()

	_, err = pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	require.Equal(t, 3, *dials, "lease should reuse a replenished idle link, not dial a fourth")
}

func TestHealthCheckEvictsLinksPastIdleTTL(t *testing.T) {
	dialer, dials := pipeDialer("hunter2")
	pool := backend.New(backend.WithDialer(dialer), backend.WithMaxSize(2), backend.WithIdleTTL(20*time.Millisecond))
	inst := testInstance()

	link, err := pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	pool.Return(inst.Key, link, backend.OutcomeClean, true)
	require.Equal(t, 1, *dials)

	time.Sleep(40 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.StartHealthChecks(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()

	_, err = pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	require.Equal(t, 2, *dials, "idle-past-ttl link should have been evicted, forcing a fresh dial")
}

func TestPrepareForLeaseRejectsLinkPastIdleTTL(t *testing.T) {
	dialer, dials := pipeDialer("hunter2")
	pool := backend.New(backend.WithDialer(dialer), backend.WithMaxSize(2), backend.WithIdleTTL(10*time.Millisecond))
	inst := testInstance()

	link, err := pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	pool.Return(inst.Key, link, backend.OutcomeClean, true)
	require.Equal(t, 1, *dials)

	time.Sleep(25 * time.Millisecond)

	_, err = pool.Lease(context.Background(), inst, session.New(0x2d))
	require.NoError(t, err)
	require.Equal(t, 2, *dials, "a lease attempt that pops an idle-past-ttl link should discard it and mint fresh")
}
