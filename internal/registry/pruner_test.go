package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwld/twitch-bridge/internal/domain"
)

type recordingReleaser struct {
	mu       sync.Mutex
	released []domain.InterestKey
}

func (r *recordingReleaser) Release(_ context.Context, key domain.InterestKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, key)
}

func (r *recordingReleaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released)
}

func TestPrunerReleasesOrphanedKeys(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	releaser := &recordingReleaser{}
	pruner := NewPruner(reg, releaser, clock, nil)

	serviceID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Upsert(ctx, serviceID, UpsertParams{
		BotAccountID: uuid.New(),
		EventType:    "channel.follow",
		Broadcaster:  "streamer",
		Transport:    domain.TransportWs,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(done)
	}()

	// Let the goroutine install its ticker before advancing the clock.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(StaleTTL + time.Minute)
	clock.Advance(pruneInterval)

	waitForReleases(t, releaser, 3)
	assert.Empty(t, reg.ListByService(serviceID))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop after cancel")
	}
}

func TestPrunerLeavesFreshInterests(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	releaser := &recordingReleaser{}
	pruner := NewPruner(reg, releaser, clock, nil)

	serviceID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := reg.Upsert(ctx, serviceID, UpsertParams{
		BotAccountID: uuid.New(),
		EventType:    "channel.follow",
		Broadcaster:  "streamer",
		Transport:    domain.TransportWs,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(pruneInterval)

	// One tick with nothing stale releases nothing.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, releaser.count())
	assert.True(t, reg.HasKey(result.Interest.Key))

	cancel()
	<-done
}

type staticGate struct {
	lead bool
	err  error
}

func (g staticGate) TryAcquire(context.Context) (bool, error) {
	return g.lead, g.err
}

func TestPrunerSkipsWhenNotLeader(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	releaser := &recordingReleaser{}
	pruner := NewPruner(reg, releaser, clock, staticGate{lead: false})

	serviceID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := reg.Upsert(ctx, serviceID, UpsertParams{
		BotAccountID: uuid.New(),
		EventType:    "channel.follow",
		Broadcaster:  "streamer",
		Transport:    domain.TransportWs,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(StaleTTL + time.Minute)
	clock.Advance(pruneInterval)

	// A non-leader leaves stale interests for the leading instance.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, releaser.count())
	assert.True(t, reg.HasKey(result.Interest.Key))

	cancel()
	<-done
}

func TestPrunerSkipsOnGateError(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	releaser := &recordingReleaser{}
	pruner := NewPruner(reg, releaser, clock, staticGate{err: errors.New("redis down")})

	serviceID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Upsert(ctx, serviceID, UpsertParams{
		BotAccountID: uuid.New(),
		EventType:    "channel.follow",
		Broadcaster:  "streamer",
		Transport:    domain.TransportWs,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pruner.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(StaleTTL + time.Minute)
	clock.Advance(pruneInterval)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, releaser.count())

	cancel()
	<-done
}

func waitForReleases(t *testing.T, releaser *recordingReleaser, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if releaser.count() == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d releases, got %d", expected, releaser.count())
}
