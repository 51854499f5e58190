package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stagelink/stagelink-server/internal/engine"
	"github.com/stagelink/stagelink-server/internal/gateway"
	gwmocks "github.com/stagelink/stagelink-server/internal/gateway/mocks"
	"github.com/stagelink/stagelink-server/internal/linkage"
	"github.com/stagelink/stagelink-server/internal/repository"
	repomocks "github.com/stagelink/stagelink-server/internal/repository/mocks"
)

func TestRecoverOnStartup(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockGateway(ctrl)
	repo := repository.NewMemory()

	ctx := context.Background()
	now := time.Now().UTC()

	// One valid link, one whose session is authoritatively gone, and one
	// that cannot be validated right now.
	seed := []linkage.Link{
		{SessionID: "sess-valid", ThreadID: "thr-valid", LastKnownCount: 7, Health: linkage.HealthHealthy, UpdatedAt: now},
		{SessionID: "sess-gone", ThreadID: "thr-gone", Health: linkage.HealthHealthy, UpdatedAt: now},
		{SessionID: "sess-flaky", ThreadID: "thr-flaky", LastKnownCount: 3, Health: linkage.HealthHealthy, UpdatedAt: now},
	}
	for _, link := range seed {
		require.NoError(t, repo.Upsert(ctx, link))
	}

	gw.EXPECT().GetSession(gomock.Any(), "sess-valid").Return(&gateway.Session{ID: "sess-valid"}, nil)
	gw.EXPECT().GetThread(gomock.Any(), "thr-valid").Return(&gateway.Thread{ID: "thr-valid"}, nil)

	gw.EXPECT().GetSession(gomock.Any(), "sess-gone").Return(nil, gateway.ErrNotFound)
	gw.EXPECT().GetThread(gomock.Any(), "thr-gone").Return(&gateway.Thread{ID: "thr-gone"}, nil)

	gw.EXPECT().GetSession(gomock.Any(), "sess-flaky").
		Return(nil, &gateway.TransientError{Err: errors.New("timeout")})
	gw.EXPECT().GetThread(gomock.Any(), "thr-flaky").Return(&gateway.Thread{ID: "thr-flaky"}, nil)

	eng := engine.New(gw, repo, testOptions()...)
	t.Cleanup(func() { shutdownEngine(eng) })

	require.NoError(t, eng.RecoverOnStartup(ctx))

	// The valid link is restored with its persisted count.
	link, ok := eng.Get("sess-valid")
	require.True(t, ok)
	assert.Equal(t, 7, link.LastKnownCount)

	// The broken link is gone from table and repository.
	_, ok = eng.Get("sess-gone")
	assert.False(t, ok)
	persisted, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	// The unvalidated link is kept for the next health sweep.
	_, ok = eng.Get("sess-flaky")
	assert.True(t, ok)
}

func TestRecoverDiscardsStaleUnvalidatedLinks(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockGateway(ctrl)
	repo := repository.NewMemory()

	ctx := context.Background()
	transient := &gateway.TransientError{Err: errors.New("timeout")}

	require.NoError(t, repo.Upsert(ctx, linkage.Link{
		SessionID: "sess-old",
		ThreadID:  "thr-old",
		UpdatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, repo.Upsert(ctx, linkage.Link{
		SessionID: "sess-fresh",
		ThreadID:  "thr-fresh",
		UpdatedAt: time.Now().UTC(),
	}))

	gw.EXPECT().GetSession(gomock.Any(), gomock.Any()).Return(nil, transient).Times(2)
	gw.EXPECT().GetThread(gomock.Any(), gomock.Any()).Return(nil, transient).Times(2)

	opts := append(testOptions(), engine.WithStaleAfter(24*time.Hour))
	eng := engine.New(gw, repo, opts...)
	t.Cleanup(func() { shutdownEngine(eng) })

	require.NoError(t, eng.RecoverOnStartup(ctx))

	// Too old to keep without validation; the fresh one gets the benefit
	// of the doubt until the next sweep.
	_, ok := eng.Get("sess-old")
	assert.False(t, ok)
	_, ok = eng.Get("sess-fresh")
	assert.True(t, ok)

	persisted, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "sess-fresh", persisted[0].SessionID)
}

func TestRecoverRetriesRepositoryLoad(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockGateway(ctrl)
	repo := repomocks.NewMockRepository(ctrl)

	gomock.InOrder(
		repo.EXPECT().LoadAll(gomock.Any()).Return(nil, errors.New("connection refused")),
		repo.EXPECT().LoadAll(gomock.Any()).Return([]linkage.Link{}, nil),
	)

	eng := engine.New(gw, repo, testOptions()...)
	t.Cleanup(func() { shutdownEngine(eng) })

	require.NoError(t, eng.RecoverOnStartup(context.Background()))
	assert.Empty(t, eng.Links())
}

func TestRecoverFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockGateway(ctrl)
	repo := repomocks.NewMockRepository(ctrl)

	loadErr := errors.New("connection refused")
	repo.EXPECT().LoadAll(gomock.Any()).Return(nil, loadErr).Times(2)

	eng := engine.New(gw, repo, testOptions()...)
	t.Cleanup(func() { shutdownEngine(eng) })

	err := eng.RecoverOnStartup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, loadErr)
}

func TestRecoverStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := gwmocks.NewMockGateway(ctrl)
	repo := repomocks.NewMockRepository(ctrl)

	repo.EXPECT().LoadAll(gomock.Any()).Return(nil, errors.New("not ready")).MinTimes(1)

	opts := append(testOptions(), engine.WithRecoveryRetry(100, 50*time.Millisecond))
	eng := engine.New(gw, repo, opts...)
	t.Cleanup(func() { shutdownEngine(eng) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := eng.RecoverOnStartup(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
