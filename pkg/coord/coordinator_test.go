package coord

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/bus"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/config"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/locks"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
)

func newTestCoordinator(t *testing.T, mutate ...func(*config.Config)) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "coord.db")
	cfg.RetryBaseDelay = config.Duration(time.Millisecond)
	for _, m := range mutate {
		m(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublishPollAcknowledge_ThroughFacade(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Subscribe("loop-b", []string{"test_claimed"})
	require.NoError(t, err)

	id, err := c.Publish("loop-a", "test_claimed", map[string]any{"test": "T-7"})
	require.NoError(t, err)

	events, err := c.Poll("loop-b", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, "T-7", events[0].Payload["test"])

	require.NoError(t, c.Acknowledge(id, "loop-b"))
	events, err = c.Poll("loop-b", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPoll_UsesConfiguredLimit(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *config.Config) { cfg.PollLimit = 2 })

	_, err := c.Subscribe("loop-b", []string{"tick"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Publish("loop-a", "tick", nil)
		require.NoError(t, err)
	}

	events, err := c.Poll("loop-b", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLockFile_AnnouncesOnBus(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Subscribe("watcher", []string{model.EventFileLocked, model.EventFileUnlocked})
	require.NoError(t, err)

	ok, err := c.LockFile("src/main.go", "loop-a")
	require.NoError(t, err)
	require.True(t, ok)

	events, err := c.Poll("watcher", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventFileLocked, events[0].EventType)
	assert.Equal(t, "loop-a", events[0].Source)
	assert.Equal(t, "src/main.go", events[0].Payload["file"])
	require.NoError(t, c.Acknowledge(events[0].ID, "watcher"))

	released, err := c.UnlockFile("src/main.go", "loop-a")
	require.NoError(t, err)
	require.True(t, released)

	events, err = c.Poll("watcher", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventFileUnlocked, events[0].EventType)
}

func TestLockFile_ContentionStaysQuiet(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Subscribe("watcher", []string{model.EventFileLocked})
	require.NoError(t, err)

	ok, err := c.LockFile("go.mod", "loop-a")
	require.NoError(t, err)
	require.True(t, ok)

	// Losing an acquire is not an error and must not announce anything.
	ok, err = c.LockFile("go.mod", "loop-b")
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := c.UnlockFile("go.mod", "loop-b")
	require.NoError(t, err)
	assert.False(t, released)

	events, err := c.Poll("watcher", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "only the winning acquire announces")
}

func TestLockFile_ConfiguredTTL(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *config.Config) { cfg.LockTTL = config.Duration(5 * time.Millisecond) })

	ok, err := c.LockFile("fast.go", "loop-a")
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)

	lock, err := c.CheckLock("fast.go")
	require.NoError(t, err)
	assert.Nil(t, lock, "configured TTL should have expired the lease")

	// An explicit TTL on the call overrides the configured one.
	ok, err = c.LockFile("slow.go", "loop-a", locks.WithTTL(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	lock, err = c.CheckLock("slow.go")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Greater(t, time.Until(lock.ExpiresAt), 30*time.Minute)
}

func TestRecordWait_DetectsDeadlock(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Subscribe("watcher", []string{model.EventDeadlockDetected})
	require.NoError(t, err)

	cycles, err := c.RecordWait("loop-a", "loop-b", "x.go")
	require.NoError(t, err)
	assert.Empty(t, cycles, "no ring with a single edge")

	cycles, err = c.RecordWait("loop-b", "loop-a", "y.go")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "loop-a -> loop-b", cycles[0].Signature())

	alerts, err := c.ActiveAlerts()
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, SourceDeadlockDetector, alerts[0].Source)
	assert.Contains(t, alerts[0].Message, "loop-a -> loop-b -> loop-a")

	events, err := c.Poll("watcher", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDeadlockDetected, events[0].EventType)
}

func TestScanDeadlocks_DoesNotRepeatOpenAlert(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.RecordWait("loop-a", "loop-b", "x.go")
	require.NoError(t, err)
	_, err = c.RecordWait("loop-b", "loop-a", "y.go")
	require.NoError(t, err)

	// The ring persists; repeated scans must not stack alerts.
	for i := 0; i < 3; i++ {
		cycles, err := c.ScanDeadlocks()
		require.NoError(t, err)
		assert.Len(t, cycles, 1)
	}
	alerts, err := c.ActiveAlerts()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Once resolved, a still-present ring may be reported again.
	resolved, err := c.ResolveAlert(alerts[0].ID)
	require.NoError(t, err)
	require.True(t, resolved)
	_, err = c.ScanDeadlocks()
	require.NoError(t, err)
	alerts, err = c.ActiveAlerts()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestClearWait_BreaksRing(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.RecordWait("loop-a", "loop-b", "x.go")
	require.NoError(t, err)
	_, err = c.RecordWait("loop-b", "loop-a", "y.go")
	require.NoError(t, err)

	require.NoError(t, c.ClearWait("loop-b", "y.go"))
	cycles, err := c.ScanDeadlocks()
	require.NoError(t, err)
	assert.Empty(t, cycles)

	edges, err := c.WaitGraph()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "loop-a", edges[0].Waiter)
}

func TestClearAgentWaits(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.RecordWait("loop-a", "loop-b", "x.go")
	require.NoError(t, err)
	_, err = c.RecordWait("loop-a", "loop-c", "y.go")
	require.NoError(t, err)

	removed, err := c.ClearAgentWaits("loop-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}

func TestCleanup_ReportsBothSweeps(t *testing.T) {
	c := newTestCoordinator(t, func(cfg *config.Config) { cfg.CleanupHorizon = config.Duration(time.Hour) })

	id, err := c.Publish("loop-a", "done", nil)
	require.NoError(t, err)
	require.NoError(t, c.Acknowledge(id, "loop-b"))

	// Age the acknowledged event past the horizon.
	stale := model.FormatTime(time.Now().UTC().Add(-2 * time.Hour))
	err = c.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE events SET timestamp = ? WHERE id = ?`, stale, id)
		return err
	})
	require.NoError(t, err)

	// An explicit horizon overrides the configured one: the event is two
	// hours old, so a three-hour window keeps it.
	result, err := c.Cleanup(3 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, result.EventsRemoved)

	ok, err := c.LockFile("old.go", "loop-a", locks.WithTTL(5*time.Millisecond))
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)

	// The configured one-hour horizon removes the event; the sweep takes
	// the lapsed lease with it.
	result, err = c.Cleanup(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.EventsRemoved)
	assert.EqualValues(t, 1, result.LocksRemoved)
}

func TestStats(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.RegisterLoop("auth-loop")
	require.NoError(t, err)

	id1, err := c.Publish("loop-a", "tick", nil)
	require.NoError(t, err)
	_, err = c.Publish("loop-a", "tick", nil)
	require.NoError(t, err)
	require.NoError(t, c.Acknowledge(id1, "loop-b"))

	_, err = c.Subscribe("loop-b", []string{"tick"})
	require.NoError(t, err)

	ok, err := c.LockFile("src/main.go", "loop-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.RecordWait("loop-a", "loop-b", "src/util.go")
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)

	// The winning LockFile announced itself, so three events exist.
	assert.Equal(t, 3, stats.Events.Total)
	assert.Equal(t, 1, stats.Events.Acknowledged)
	assert.Equal(t, 2, stats.Events.Pending)
	assert.Equal(t, 1, stats.Subscriptions.Active)
	assert.Equal(t, 1, stats.Locks.Active)
	assert.Equal(t, 1, stats.WaitGraph.Entries)
	assert.Equal(t, 1, stats.Loops.Total)
	assert.Equal(t, 1, stats.Loops.Running)
	assert.Equal(t, 0, stats.OpenAlerts)
	assert.Positive(t, stats.StoreBytes)
}

func TestTimelineAndCorrelated_ThroughFacade(t *testing.T) {
	c := newTestCoordinator(t)

	drafts := []model.Draft{
		{Source: "loop-a", EventType: "test_claimed", CorrelationID: "T-9"},
		{Source: "loop-a", EventType: "test_passed", CorrelationID: "T-9"},
	}
	ids, err := c.PublishBatch(drafts)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	chain, err := c.Correlated("T-9")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "test_claimed", chain[0].EventType, "correlated runs oldest first")

	timeline, err := c.Timeline(bus.TimelineQuery{})
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, "test_passed", timeline[0].EventType, "timeline runs newest first")
}

func TestStore_SharedDiscipline(t *testing.T) {
	c := newTestCoordinator(t)

	// Collaborating jobs get the same store the facade uses.
	var n int
	err := c.Store().Read(func(q store.Querier) error {
		return q.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}
