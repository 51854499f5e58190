package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stagelink/stagelink-server/internal/gateway"
	"github.com/stagelink/stagelink-server/internal/gateway/mocks"
	"github.com/stagelink/stagelink-server/internal/linkage"
	"github.com/stagelink/stagelink-server/internal/validator"
)

// fakeRegistry records the sweep's decisions.
type fakeRegistry struct {
	mu      sync.Mutex
	links   []linkage.Link
	healthy []string
	removed []string
	reasons map[string]string
}

func newFakeRegistry(links ...linkage.Link) *fakeRegistry {
	return &fakeRegistry{links: links, reasons: make(map[string]string)}
}

func (f *fakeRegistry) Links() []linkage.Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]linkage.Link(nil), f.links...)
}

func (f *fakeRegistry) MarkHealthy(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = append(f.healthy, sessionID)
}

func (f *fakeRegistry) RemoveBroken(_ context.Context, sessionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, sessionID)
	f.reasons[sessionID] = reason
}

func TestSweepClassifiesLinks(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	registry := newFakeRegistry(
		linkage.Link{SessionID: "sess-valid", ThreadID: "thr-valid"},
		linkage.Link{SessionID: "sess-gone", ThreadID: "thr-gone"},
		linkage.Link{SessionID: "sess-flaky", ThreadID: "thr-flaky"},
	)

	gw.EXPECT().GetSession(gomock.Any(), "sess-valid").Return(&gateway.Session{ID: "sess-valid"}, nil)
	gw.EXPECT().GetThread(gomock.Any(), "thr-valid").Return(&gateway.Thread{ID: "thr-valid"}, nil)

	gw.EXPECT().GetSession(gomock.Any(), "sess-gone").Return(nil, gateway.ErrNotFound)
	gw.EXPECT().GetThread(gomock.Any(), "thr-gone").Return(&gateway.Thread{ID: "thr-gone"}, nil)

	gw.EXPECT().GetSession(gomock.Any(), "sess-flaky").
		Return(nil, &gateway.TransientError{Err: errors.New("timeout")})
	gw.EXPECT().GetThread(gomock.Any(), "thr-flaky").Return(&gateway.Thread{ID: "thr-flaky"}, nil)

	monitor := New(registry, validator.New(gw))
	monitor.Sweep(context.Background())

	assert.Equal(t, []string{"sess-valid"}, registry.healthy)
	assert.Equal(t, []string{"sess-gone"}, registry.removed)
	assert.Equal(t, "session gone", registry.reasons["sess-gone"])
}

func TestSweepRemovesFinalizedThreadLink(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	registry := newFakeRegistry(linkage.Link{SessionID: "sess-1", ThreadID: "thr-1"})

	gw.EXPECT().GetSession(gomock.Any(), "sess-1").Return(&gateway.Session{ID: "sess-1"}, nil)
	gw.EXPECT().GetThread(gomock.Any(), "thr-1").Return(&gateway.Thread{ID: "thr-1", Archived: true}, nil)

	monitor := New(registry, validator.New(gw))
	monitor.Sweep(context.Background())

	assert.Equal(t, []string{"sess-1"}, registry.removed)
	assert.Contains(t, registry.reasons["sess-1"], "finalized")
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	registry := newFakeRegistry(
		linkage.Link{SessionID: "sess-1", ThreadID: "thr-1"},
		linkage.Link{SessionID: "sess-2", ThreadID: "thr-2"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	monitor := New(registry, validator.New(gw))
	monitor.Sweep(ctx)

	// No gateway calls, no decisions.
	assert.Empty(t, registry.healthy)
	assert.Empty(t, registry.removed)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	registry := newFakeRegistry(linkage.Link{SessionID: "sess-1", ThreadID: "thr-1"})

	gw.EXPECT().GetSession(gomock.Any(), "sess-1").
		Return(&gateway.Session{ID: "sess-1"}, nil).MinTimes(1)
	gw.EXPECT().GetThread(gomock.Any(), "thr-1").
		Return(&gateway.Thread{ID: "thr-1"}, nil).MinTimes(1)

	monitor := New(registry, validator.New(gw), WithInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- monitor.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		registry.mu.Lock()
		defer registry.mu.Unlock()
		return len(registry.healthy) > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, monitor.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	registry := newFakeRegistry(linkage.Link{SessionID: "sess-1", ThreadID: "thr-1"})
	monitor := New(registry, validator.New(gw), WithInterval(10*time.Millisecond))

	// Stop landing first must not hang and must keep the loop from ever
	// starting; no sweep runs, so the gateway sees no calls.
	require.NoError(t, monitor.Stop())

	done := make(chan error, 1)
	go func() {
		done <- monitor.Start(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after an earlier Stop")
	}
	assert.Empty(t, registry.healthy)
}
