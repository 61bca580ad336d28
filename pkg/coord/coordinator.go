// Package coord assembles the coordination layer behind one facade.
//
// A Coordinator owns the store connection and wires the event bus, lock
// manager, and wait graph to it. Every process that wants to coordinate
// constructs (or is handed) a Coordinator; nothing in this package is a
// singleton, so tests and embedders can run several against separate
// databases in one process.
//
// The facade also couples the primitives where the pieces alone cannot:
// lock operations announce themselves on the bus, and recording a wait
// edge immediately scans for deadlock cycles and raises alerts.
package coord

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/bus"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/config"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/locks"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/waitgraph"
)

// Sources the coordinator stamps on the records it creates itself.
const (
	SourceCoordinator      = "coordinator"
	SourceDeadlockDetector = "deadlock_detector"
)

// Coordinator is the injected entry point to the coordination layer.
type Coordinator struct {
	cfg    config.Config
	logger *slog.Logger

	store *store.Store
	bus   *bus.Bus
	locks *locks.Manager
	waits *waitgraph.Graph

	// maintMu serializes the maintenance lifecycle; maint is only read or
	// written with it held.
	maintMu sync.Mutex
	maint   *maintenance
}

// Option adjusts construction.
type Option func(*Coordinator)

// WithLogger routes the coordinator's logging (and that of every
// component it wires) to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New opens the database at cfg.DBPath and wires every component to it.
// The caller owns the returned Coordinator and must Close it.
func New(cfg config.Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(c)
	}

	st, err := store.Open(cfg.DBPath,
		store.WithLogger(c.logger),
		store.WithRetryPolicy(cfg.RetryAttempts, time.Duration(cfg.RetryBaseDelay)),
	)
	if err != nil {
		return nil, fmt.Errorf("open coordination store: %w", err)
	}
	c.store = st
	c.bus = bus.New(st, c.logger)
	c.locks = locks.New(st, c.logger)
	c.waits = waitgraph.New(st, c.logger)

	c.logger.Info("coordinator ready", "db", cfg.DBPath)
	return c, nil
}

// Close stops maintenance and releases the database connection.
func (c *Coordinator) Close() error {
	c.StopMaintenance()
	return c.store.Close()
}

// Store exposes the shared connection discipline so collaborating jobs
// (archival, observability) can work the same database without opening
// a second writer.
func (c *Coordinator) Store() store.Interface { return c.store }

// ---- events ----

// Publish appends one event to the bus and returns its id.
func (c *Coordinator) Publish(source, eventType string, payload map[string]any, opts ...bus.PublishOption) (string, error) {
	return c.bus.Publish(source, eventType, payload, opts...)
}

// PublishBatch appends all drafts atomically and returns their ids.
func (c *Coordinator) PublishBatch(drafts []model.Draft) ([]string, error) {
	return c.bus.PublishBatch(drafts)
}

// Subscribe registers subscriber for the given event types, optionally
// restricted to events from the named sources.
func (c *Coordinator) Subscribe(subscriber string, eventTypes []string, sources ...string) (string, error) {
	return c.bus.Subscribe(subscriber, eventTypes, sources)
}

// Unsubscribe deactivates a subscription.
func (c *Coordinator) Unsubscribe(subscriptionID string) error {
	return c.bus.Unsubscribe(subscriptionID)
}

// Poll fetches undelivered events for subscriber. A non-positive limit
// uses the configured batch size.
func (c *Coordinator) Poll(subscriber string, limit int, eventTypes ...string) ([]model.Event, error) {
	if limit <= 0 {
		limit = c.cfg.PollLimit
	}
	return c.bus.Poll(subscriber, limit, eventTypes...)
}

// Acknowledge marks one event consumed by subscriber.
func (c *Coordinator) Acknowledge(eventID, subscriber string) error {
	return c.bus.Acknowledge(eventID, subscriber)
}

// AcknowledgeBatch marks several events consumed by subscriber.
func (c *Coordinator) AcknowledgeBatch(eventIDs []string, subscriber string) error {
	return c.bus.AcknowledgeBatch(eventIDs, subscriber)
}

// Timeline returns recent events, newest first.
func (c *Coordinator) Timeline(q bus.TimelineQuery) ([]model.Event, error) {
	return c.bus.Timeline(q)
}

// Correlated returns the events sharing a correlation id, oldest first.
func (c *Coordinator) Correlated(correlationID string) ([]model.Event, error) {
	return c.bus.Correlated(correlationID)
}

// ---- file locks ----

// LockFile acquires (or refreshes) the lease on path for agentID and
// announces a file_locked event on success. The configured lease length
// applies unless the caller passes locks.WithTTL.
func (c *Coordinator) LockFile(path, agentID string, opts ...locks.AcquireOption) (bool, error) {
	opts = append([]locks.AcquireOption{locks.WithTTL(time.Duration(c.cfg.LockTTL))}, opts...)
	ok, err := c.locks.Acquire(path, agentID, opts...)
	if err != nil || !ok {
		return ok, err
	}
	c.emit(agentID, model.EventFileLocked, map[string]any{
		"file":  path,
		"agent": agentID,
	})
	return true, nil
}

// UnlockFile releases agentID's lease on path and announces a
// file_unlocked event when a lease was actually dropped.
func (c *Coordinator) UnlockFile(path, agentID string) (bool, error) {
	released, err := c.locks.Release(path, agentID)
	if err != nil || !released {
		return released, err
	}
	c.emit(agentID, model.EventFileUnlocked, map[string]any{
		"file":  path,
		"agent": agentID,
	})
	return true, nil
}

// CheckLock returns the live lease on path, or nil when the path is free.
func (c *Coordinator) CheckLock(path string) (*model.FileLock, error) {
	return c.locks.Check(path)
}

// ReleaseAgentLocks drops every lease agentID holds. Used when a loop
// exits or is declared dead. No per-path events are announced; callers
// that care publish their own recovery event.
func (c *Coordinator) ReleaseAgentLocks(agentID string) (int64, error) {
	return c.locks.ReleaseAllForOwner(agentID)
}

// ActiveLocks returns every live lease, soonest expiry first.
func (c *Coordinator) ActiveLocks() ([]model.FileLock, error) {
	return c.locks.Active()
}

// ---- wait graph ----

// RecordWait stores the edge "waiter is blocked on resource held by
// holder" and immediately scans for deadlock cycles. The cycles present
// after the edge lands are returned so the caller can react without a
// second poll.
func (c *Coordinator) RecordWait(waiter, holder, resource string) ([]waitgraph.Cycle, error) {
	if err := c.waits.RecordWait(waiter, holder, resource); err != nil {
		return nil, err
	}
	return c.ScanDeadlocks()
}

// ClearWait removes the edge for (waiter, resource).
func (c *Coordinator) ClearWait(waiter, resource string) error {
	return c.waits.ClearWait(waiter, resource)
}

// ClearAgentWaits removes every edge agentID recorded.
func (c *Coordinator) ClearAgentWaits(agentID string) (int64, error) {
	return c.waits.ClearAllForWaiter(agentID)
}

// WaitGraph returns a snapshot of all wait edges.
func (c *Coordinator) WaitGraph() ([]model.WaitEdge, error) {
	return c.waits.Edges()
}

// ScanDeadlocks detects cycles in the current wait graph. Each ring
// gets one critical alert and one deadlock_detected event; a ring that
// already has an open alert is not re-reported. All cycles currently
// present are returned, reported or not.
func (c *Coordinator) ScanDeadlocks() ([]waitgraph.Cycle, error) {
	cycles, err := c.waits.Detect()
	if err != nil {
		return nil, err
	}
	for _, cyc := range cycles {
		raised, err := c.raiseDeadlockAlert(cyc)
		if err != nil {
			return cycles, err
		}
		if raised {
			c.logger.Error("deadlock detected", "cycle", cyc.String())
			c.emit(SourceDeadlockDetector, model.EventDeadlockDetected, map[string]any{
				"agents":    cyc.Agents,
				"resources": cyc.Resources,
				"cycle":     cyc.String(),
			})
		}
	}
	return cycles, nil
}

// raiseDeadlockAlert opens a critical alert for the ring unless an
// unresolved one is already open. Check and insert share a transaction
// so two concurrent scans cannot double-report the same ring.
func (c *Coordinator) raiseDeadlockAlert(cyc waitgraph.Cycle) (bool, error) {
	message := "deadlock detected: " + cyc.String()
	details, err := model.MarshalDoc(map[string]any{
		"agents":    cyc.Agents,
		"resources": cyc.Resources,
	})
	if err != nil {
		return false, err
	}

	raised := false
	err = c.store.Write(func(tx *sql.Tx) error {
		raised = false
		var open int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM alerts WHERE source = ? AND message = ? AND resolved = 0`,
			SourceDeadlockDetector, message,
		).Scan(&open); err != nil {
			return fmt.Errorf("check open alerts: %w", err)
		}
		if open > 0 {
			return nil
		}
		_, err := tx.Exec(
			`INSERT INTO alerts (id, severity, source, message, details, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), string(model.SeverityCritical), SourceDeadlockDetector,
			message, details, model.FormatTime(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		raised = true
		return nil
	})
	return raised, err
}

// emit publishes a coordination event best-effort. The operation that
// triggered it already committed; a failed announcement is logged, not
// surfaced.
func (c *Coordinator) emit(source, eventType string, payload map[string]any) {
	if _, err := c.bus.Publish(source, eventType, payload); err != nil {
		c.logger.Warn("event emission failed", "event_type", eventType, "error", err)
	}
}

// ---- cleanup and stats ----

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	EventsRemoved int64 `json:"events_removed"`
	LocksRemoved  int64 `json:"locks_removed"`
}

// Cleanup deletes acknowledged events older than olderThan and sweeps
// expired file locks. A non-positive olderThan uses the configured
// horizon.
func (c *Coordinator) Cleanup(olderThan time.Duration) (CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(c.cfg.CleanupHorizon)
	}
	events, err := c.bus.CleanupAcknowledged(olderThan)
	if err != nil {
		return CleanupResult{}, err
	}
	swept, err := c.locks.ReleaseExpired()
	if err != nil {
		return CleanupResult{EventsRemoved: events}, err
	}
	return CleanupResult{EventsRemoved: events, LocksRemoved: swept}, nil
}

// EventStats breaks down the event log.
type EventStats struct {
	Total        int `json:"total"`
	Acknowledged int `json:"acknowledged"`
	Pending      int `json:"pending"`
}

// LoopStats breaks down the registry.
type LoopStats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
}

// Stats is a point-in-time summary of the whole layer.
type Stats struct {
	Events        EventStats `json:"events"`
	Subscriptions struct {
		Active int `json:"active"`
	} `json:"subscriptions"`
	Locks struct {
		Active int `json:"active"`
	} `json:"locks"`
	WaitGraph struct {
		Entries int `json:"entries"`
	} `json:"wait_graph"`
	Loops      LoopStats `json:"loops"`
	OpenAlerts int       `json:"open_alerts"`
	StoreBytes int64     `json:"store_bytes"`
}

// Stats counts everything in one read snapshot, so the numbers are
// consistent with each other.
func (c *Coordinator) Stats() (Stats, error) {
	var st Stats
	now := model.FormatTime(time.Now().UTC())
	err := c.store.Read(func(q store.Querier) error {
		if err := q.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(acknowledged), 0) FROM events`,
		).Scan(&st.Events.Total, &st.Events.Acknowledged); err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		st.Events.Pending = st.Events.Total - st.Events.Acknowledged

		counts := []struct {
			dest  *int
			query string
			args  []any
		}{
			{&st.Subscriptions.Active, `SELECT COUNT(*) FROM subscriptions WHERE active = 1`, nil},
			{&st.Locks.Active, `SELECT COUNT(*) FROM file_locks WHERE expires_at > ?`, []any{now}},
			{&st.WaitGraph.Entries, `SELECT COUNT(*) FROM wait_graph`, nil},
			{&st.Loops.Total, `SELECT COUNT(*) FROM loops`, nil},
			{&st.Loops.Running, `SELECT COUNT(*) FROM loops WHERE status = 'running'`, nil},
			{&st.OpenAlerts, `SELECT COUNT(*) FROM alerts WHERE resolved = 0`, nil},
		}
		for _, cnt := range counts {
			if err := q.QueryRow(cnt.query, cnt.args...).Scan(cnt.dest); err != nil {
				return fmt.Errorf("stats count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	size, err := c.store.Size()
	if err != nil {
		return Stats{}, err
	}
	st.StoreBytes = size
	return st, nil
}
