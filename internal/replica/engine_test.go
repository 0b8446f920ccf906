package replica

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/perch/internal/authority"
	"github.com/dyluth/perch/internal/config"
	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/internal/storage"
	"github.com/dyluth/perch/pkg/board"
)

func setupEngine(t *testing.T) *Engine {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	return engineFor(t, mr.Addr())
}

func setupEnginePair(t *testing.T) (*Engine, *Engine, *board.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return engineFor(t, mr.Addr()), engineFor(t, mr.Addr()), client
}

func engineFor(t *testing.T, addr string) *Engine {
	t.Helper()
	client, err := board.NewClient(&redis.Options{Addr: addr}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	engine, err := NewEngine(client, config.Default("test-instance", "scope-a"))
	require.NoError(t, err)
	return engine
}

func TestCreateTab(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	tab, err := engine.CreateTab(ctx, "https://example.com/page", "https://example.com/embed",
		board.Point{Left: 100, Top: 120}, board.Dimensions{Width: 400, Height: 300})
	require.NoError(t, err)

	assert.Equal(t, 0, tab.Slot)
	assert.Equal(t, 1, tab.ZOrder)
	assert.Equal(t, board.StateVisible, tab.LifecycleState)
	assert.Equal(t, "scope-a", tab.ScopeID)
	assert.Equal(t, board.StateVisible, engine.Machine().GetState(tab.ID))
	assert.Equal(t, 1, engine.PendingOps())

	t.Run("second tab takes the next slot and z-order", func(t *testing.T) {
		second, err := engine.CreateTab(ctx, "", "https://example.com/other",
			board.Point{Left: 10, Top: 10}, board.Dimensions{Width: 200, Height: 150})
		require.NoError(t, err)
		assert.Equal(t, 1, second.Slot)
		assert.Equal(t, 2, second.ZOrder)
	})

	t.Run("rejects missing embedded URL", func(t *testing.T) {
		_, err := engine.CreateTab(ctx, "", "", board.Point{}, board.Dimensions{Width: 100, Height: 100})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid tab")
	})
}

func TestGeometryOperations(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	tab, err := engine.CreateTab(ctx, "", "https://example.com/embed",
		board.Point{Left: 100, Top: 120}, board.Dimensions{Width: 400, Height: 300})
	require.NoError(t, err)

	t.Run("move", func(t *testing.T) {
		require.NoError(t, engine.Move(ctx, tab.ID, board.Point{Left: 50, Top: 60}))
		moved := engine.Get(tab.ID)
		assert.Equal(t, 50, moved.Left)
		assert.Equal(t, 60, moved.Top)
	})

	t.Run("resize", func(t *testing.T) {
		require.NoError(t, engine.Resize(ctx, tab.ID, board.Dimensions{Width: 640, Height: 480}))
		resized := engine.Get(tab.ID)
		assert.Equal(t, 640, resized.Width)
		assert.Equal(t, 480, resized.Height)
	})

	t.Run("raise", func(t *testing.T) {
		other, err := engine.CreateTab(ctx, "", "https://example.com/top",
			board.Point{}, board.Dimensions{Width: 100, Height: 100})
		require.NoError(t, err)
		require.Greater(t, other.ZOrder, engine.Get(tab.ID).ZOrder)

		require.NoError(t, engine.Raise(ctx, tab.ID))
		assert.Greater(t, engine.Get(tab.ID).ZOrder, other.ZOrder)
	})

	t.Run("unknown tab", func(t *testing.T) {
		err := engine.Move(ctx, "missing", board.Point{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestMinimizeRestoreRoundTrip(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	tab, err := engine.CreateTab(ctx, "", "https://example.com/embed",
		board.Point{Left: 100, Top: 120}, board.Dimensions{Width: 400, Height: 300})
	require.NoError(t, err)

	result := engine.Minimize(ctx, tab.ID)
	require.True(t, result.Success)

	minimized := engine.Get(tab.ID)
	assert.True(t, minimized.Minimized)
	assert.Equal(t, board.StateMinimized, engine.Machine().GetState(tab.ID))

	t.Run("minimize again rejected", func(t *testing.T) {
		again := engine.Minimize(ctx, tab.ID)
		assert.False(t, again.Success)
	})

	t.Run("restore recovers the pre-minimize geometry", func(t *testing.T) {
		result := engine.Restore(ctx, tab.ID)
		require.True(t, result.Success)

		restored := engine.Get(tab.ID)
		assert.False(t, restored.Minimized)
		assert.Equal(t, 100, restored.Left)
		assert.Equal(t, 120, restored.Top)
		assert.Equal(t, 400, restored.Width)
		assert.Equal(t, board.StateVisible, engine.Machine().GetState(tab.ID))
	})
}

func TestClose(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()

	tab, err := engine.CreateTab(ctx, "", "https://example.com/embed",
		board.Point{}, board.Dimensions{Width: 100, Height: 100})
	require.NoError(t, err)
	pendingBefore := engine.PendingOps()

	result := engine.Close(ctx, tab.ID)
	require.True(t, result.Success)
	assert.Nil(t, engine.Get(tab.ID))
	assert.Equal(t, board.StateDestroyed, engine.Machine().GetState(tab.ID))
	assert.Equal(t, pendingBefore+1, engine.PendingOps())

	t.Run("closing again is an idempotent no-op", func(t *testing.T) {
		pending := engine.PendingOps()
		again := engine.Close(ctx, tab.ID)
		assert.True(t, again.Success)
		assert.Equal(t, "already destroyed", again.Note)
		assert.Equal(t, pending, engine.PendingOps())
	})
}

func TestHydrateFromStore(t *testing.T) {
	writer, reader, _ := setupEnginePair(t)
	ctx := context.Background()

	visible, err := writer.CreateTab(ctx, "", "https://example.com/a",
		board.Point{Left: 1, Top: 2}, board.Dimensions{Width: 100, Height: 100})
	require.NoError(t, err)
	hidden, err := writer.CreateTab(ctx, "", "https://example.com/b",
		board.Point{Left: 3, Top: 4}, board.Dimensions{Width: 100, Height: 100})
	require.NoError(t, err)
	require.True(t, writer.Minimize(ctx, hidden.ID).Success)

	require.NoError(t, reader.Hydrate(ctx))

	tabs := reader.List()
	require.Len(t, tabs, 2)
	assert.Equal(t, board.StateVisible, reader.Machine().GetState(visible.ID))
	assert.Equal(t, board.StateMinimized, reader.Machine().GetState(hidden.ID))
}

// inboundPayload marshals a peer message for the protocol's raw entry point.
func inboundPayload(t *testing.T, msg *board.BroadcastMessage) []byte {
	t.Helper()
	if msg.SenderID == "" {
		msg.SenderID = uuid.New().String()
	}
	if msg.ScopeID == "" {
		msg.ScopeID = "scope-a"
	}
	msg.SentAtMs = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestApplyRemote(t *testing.T) {
	engine := setupEngine(t)
	ctx := context.Background()
	peer := uuid.New().String()

	remoteTab := &board.QuickTab{
		ID:          uuid.New().String(),
		EmbeddedURL: "https://example.com/remote",
		Left:        10,
		Top:         20,
		Width:       300,
		Height:      200,
		ScopeID:     "scope-a",
	}

	t.Run("create", func(t *testing.T) {
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeCreate, SenderID: peer, Sequence: 1,
			TabID: remoteTab.ID, Tab: remoteTab,
		}))

		adopted := engine.Get(remoteTab.ID)
		require.NotNil(t, adopted)
		assert.Equal(t, board.StateVisible, engine.Machine().GetState(remoteTab.ID))
	})

	t.Run("position update", func(t *testing.T) {
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeUpdatePosition, SenderID: peer, Sequence: 2,
			TabID: remoteTab.ID, Position: &board.Point{Left: 77, Top: 88},
		}))

		assert.Equal(t, 77, engine.Get(remoteTab.ID).Left)
	})

	t.Run("minimize walks the lifecycle", func(t *testing.T) {
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeMinimize, SenderID: peer, Sequence: 3,
			TabID: remoteTab.ID,
		}))

		assert.True(t, engine.Get(remoteTab.ID).Minimized)
		assert.Equal(t, board.StateMinimized, engine.Machine().GetState(remoteTab.ID))
	})

	t.Run("close removes the tab", func(t *testing.T) {
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeClose, SenderID: peer, Sequence: 4,
			TabID: remoteTab.ID,
		}))

		assert.Nil(t, engine.Get(remoteTab.ID))
		assert.Equal(t, board.StateDestroyed, engine.Machine().GetState(remoteTab.ID))
	})

	t.Run("snapshot replaces the collection", func(t *testing.T) {
		local, err := engine.CreateTab(ctx, "", "https://example.com/local",
			board.Point{}, board.Dimensions{Width: 100, Height: 100})
		require.NoError(t, err)

		replacement := &board.QuickTab{
			ID:          uuid.New().String(),
			EmbeddedURL: "https://example.com/snapshot",
			Width:       100,
			Height:      100,
			ScopeID:     "scope-a",
		}
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeSnapshot, SenderID: peer, Sequence: 5,
			Tabs: []*board.QuickTab{replacement},
		}))

		assert.Nil(t, engine.Get(local.ID))
		require.NotNil(t, engine.Get(replacement.ID))
		assert.Equal(t, board.StateDestroyed, engine.Machine().GetState(local.ID))
	})

	t.Run("own broadcasts are ignored", func(t *testing.T) {
		before := len(engine.List())
		engine.Protocol().HandleInbound(inboundPayload(t, &board.BroadcastMessage{
			Type: board.MessageTypeCreate, SenderID: engine.SenderID(), Sequence: 99,
			TabID: uuid.New().String(),
			Tab: &board.QuickTab{
				ID:          uuid.New().String(),
				EmbeddedURL: "https://example.com/self",
				Width:       10, Height: 10,
				ScopeID: "scope-a",
			},
		}))
		assert.Len(t, engine.List(), before)
	})
}

func TestSubmitSync(t *testing.T) {
	engine, _, client := setupEnginePair(t)
	ctx := context.Background()

	sub, err := client.SubscribeSyncBatches(ctx)
	require.NoError(t, err)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription register

	tab, err := engine.CreateTab(ctx, "", "https://example.com/embed",
		board.Point{}, board.Dimensions{Width: 100, Height: 100})
	require.NoError(t, err)
	require.NoError(t, engine.Move(ctx, tab.ID, board.Point{Left: 5, Top: 6}))
	require.Equal(t, 2, engine.PendingOps())

	engine.SubmitSync(ctx)
	assert.Zero(t, engine.PendingOps())

	select {
	case batch := <-sub.Events():
		assert.Equal(t, engine.SenderID(), batch.SenderID)
		require.Len(t, batch.Operations, 2)
		assert.Equal(t, board.OperationCreate, batch.Operations[0].Type)
		assert.Equal(t, int64(1), batch.Operations[0].Clock[engine.SenderID()])
		assert.Equal(t, int64(2), batch.Operations[1].Clock[engine.SenderID()])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync batch")
	}
}

// TestCrossContextConvergence walks one change through the whole system: a
// local operation on one replica, broadcast application on a second replica,
// batched sync submission, the authority's merge, and the snapshot
// re-broadcast that settles every context on the merged state.
func TestCrossContextConvergence(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	writer := engineFor(t, mr.Addr())
	follower := engineFor(t, mr.Addr())

	authClient, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { authClient.Close() })

	authStore := storage.NewManager(authClient, "scope-a", storage.Options{DurableTier: true})
	coord := authority.NewCoordinator(
		lifecycle.NewMachine(lifecycle.ModeEnforcing), authStore, authClient, uuid.New().String())

	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	go follower.Run(runCtx)

	batchSub, err := authClient.SubscribeSyncBatches(ctx)
	require.NoError(t, err)
	defer batchSub.Close()
	time.Sleep(100 * time.Millisecond) // let the subscriptions register

	tab, err := writer.CreateTab(ctx, "", "https://example.com/shared",
		board.Point{Left: 10, Top: 20}, board.Dimensions{Width: 400, Height: 300})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return follower.Get(tab.ID) != nil
	}, 2*time.Second, 10*time.Millisecond, "create broadcast never reached the follower")

	require.True(t, writer.Minimize(ctx, tab.ID).Success)
	assert.Eventually(t, func() bool {
		adopted := follower.Get(tab.ID)
		return adopted != nil && adopted.Minimized
	}, 2*time.Second, 10*time.Millisecond, "minimize broadcast never reached the follower")

	writer.SubmitSync(ctx)

	var batch *board.SyncBatch
	select {
	case batch = <-batchSub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the sync batch")
	}
	require.Equal(t, writer.SenderID(), batch.SenderID)
	require.Len(t, batch.Operations, 2)

	result, err := coord.ProcessBatch(ctx, batch.SenderID, batch.Operations, batch.SenderInstanceID)
	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)

	merged := coord.Tabs()
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Minimized)
	assert.Equal(t, board.StateMinimized, merged[0].LifecycleState)
	assert.Equal(t, int64(2), coord.Clock(writer.SenderID()))

	t.Run("merged state persisted authoritatively", func(t *testing.T) {
		persisted, err := authStore.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, persisted, 1)
		assert.True(t, persisted[0].Minimized)
	})

	t.Run("follower receives the merge snapshot", func(t *testing.T) {
		// Create, minimize, then the authority's snapshot re-broadcast.
		assert.Eventually(t, func() bool {
			return follower.Protocol().Stats().Delivered >= 3
		}, 2*time.Second, 10*time.Millisecond)

		adopted := follower.Get(tab.ID)
		require.NotNil(t, adopted)
		assert.True(t, adopted.Minimized)
		assert.Equal(t, board.StateMinimized, follower.Machine().GetState(tab.ID))
	})
}
