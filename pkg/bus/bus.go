// Package bus implements the durable publish/subscribe event log.
//
// Events are rows, not messages in flight: publish inserts, poll selects
// unacknowledged rows matching the caller's subscriptions, acknowledge
// flips a flag. Delivery is therefore at-least-once (a subscriber that
// crashes after poll and before acknowledge sees the same events again)
// and publishers never block on subscribers.
//
// Poll order is priority ascending (1 is served first), then timestamp
// ascending, so urgent events jump the queue and equal-priority events
// drain oldest-first.
package bus

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
)

// DefaultPollLimit caps poll results when the caller passes limit <= 0.
const DefaultPollLimit = 10

// DefaultTimelineLimit caps timeline results when the query leaves Limit
// unset.
const DefaultTimelineLimit = 100

// Bus is the event log API. All state lives in the store; Bus itself is
// stateless and safe for concurrent use.
type Bus struct {
	store  store.Interface
	logger *slog.Logger
}

// New returns a Bus over st. A nil logger discards.
func New(st store.Interface, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{store: st, logger: logger.With("component", "event_bus")}
}

// PublishOption adjusts a single publish call.
type PublishOption func(*model.Draft)

// WithPriority sets the event priority (1 highest .. 10 lowest).
func WithPriority(p int) PublishOption {
	return func(d *model.Draft) { d.Priority = p }
}

// WithCorrelationID groups this event with others sharing the id.
func WithCorrelationID(id string) PublishOption {
	return func(d *model.Draft) { d.CorrelationID = id }
}

// Publish appends one event and returns its generated id. The write is
// fire-and-forget durability: no subscriber is consulted or signaled.
func (b *Bus) Publish(source, eventType string, payload map[string]any, opts ...PublishOption) (string, error) {
	d := model.Draft{Source: source, EventType: eventType, Payload: payload}
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.Validate(); err != nil {
		return "", err
	}
	priority := d.Priority
	if priority == 0 {
		priority = model.PriorityDefault
	}

	e := model.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        d.Source,
		EventType:     d.EventType,
		Payload:       d.Payload,
		CorrelationID: d.CorrelationID,
		Priority:      priority,
	}
	err := b.store.Write(func(tx *sql.Tx) error {
		return insertEvent(tx, e)
	})
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", e.EventType, err)
	}
	return e.ID, nil
}

// PublishBatch appends all drafts in one transaction: every draft is
// validated before the store is touched, so one malformed draft means
// zero rows persisted. Returns the generated ids in draft order.
func (b *Bus) PublishBatch(drafts []model.Draft) ([]string, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	for i, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	events := make([]model.Event, len(drafts))
	ids := make([]string, len(drafts))
	for i, d := range drafts {
		priority := d.Priority
		if priority == 0 {
			priority = model.PriorityDefault
		}
		events[i] = model.Event{
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			Source:        d.Source,
			EventType:     d.EventType,
			Payload:       d.Payload,
			CorrelationID: d.CorrelationID,
			Priority:      priority,
		}
		ids[i] = events[i].ID
	}

	err := b.store.Write(func(tx *sql.Tx) error {
		for _, e := range events {
			if err := insertEvent(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish batch: %w", err)
	}
	b.logger.Debug("published", "count", len(ids), "type", drafts[0].EventType)
	return ids, nil
}

// Subscribe registers subscriber's interest in eventTypes, optionally
// restricted to events from filterSources. Returns the subscription id.
func (b *Bus) Subscribe(subscriber string, eventTypes, filterSources []string) (string, error) {
	if strings.TrimSpace(subscriber) == "" {
		return "", fmt.Errorf("subscriber is required")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("subscription needs at least one event type")
	}
	for _, et := range eventTypes {
		if strings.TrimSpace(et) == "" {
			return "", fmt.Errorf("subscription event types must be non-empty")
		}
	}

	typesJSON, err := model.MarshalStrings(eventTypes)
	if err != nil {
		return "", err
	}
	var sourcesJSON any
	if len(filterSources) > 0 {
		s, err := model.MarshalStrings(filterSources)
		if err != nil {
			return "", err
		}
		sourcesJSON = s
	}

	id := uuid.NewString()
	now := model.FormatTime(time.Now().UTC())
	err = b.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO subscriptions (id, subscriber, event_types, filter_sources, created_at, active)
			 VALUES (?, ?, ?, ?, ?, 1)`,
			id, subscriber, typesJSON, sourcesJSON, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", subscriber, err)
	}
	return id, nil
}

// Unsubscribe deactivates a subscription. The row stays for audit; an
// unknown id is a no-op.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	err := b.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE subscriptions SET active = 0 WHERE id = ?`, subscriptionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			b.logger.Debug("unsubscribe matched nothing", "subscription_id", subscriptionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subscriptionID, err)
	}
	return nil
}

// Subscriptions returns the subscriber's active subscriptions.
func (b *Bus) Subscriptions(subscriber string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := b.store.Read(func(q store.Querier) error {
		var err error
		subs, err = activeSubscriptions(q, subscriber)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subscriptions for %s: %w", subscriber, err)
	}
	return subs, nil
}

// Poll returns up to limit unacknowledged events matching any of the
// subscriber's active subscriptions, oldest-highest-priority first, and
// stamps last_poll_at on those subscriptions. A subscription only matches
// events published after it was created. The optional eventTypes argument
// narrows the result client-side.
func (b *Bus) Poll(subscriber string, limit int, eventTypes ...string) ([]model.Event, error) {
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	var events []model.Event
	err := b.store.Write(func(tx *sql.Tx) error {
		events = nil
		subs, err := activeSubscriptions(tx, subscriber)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return nil
		}

		query, args := pollQuery(subs, limit)
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("select events: %w", err)
		}
		events, err = scanEvents(rows)
		if err != nil {
			return err
		}

		now := model.FormatTime(time.Now().UTC())
		for _, sub := range subs {
			if _, err := tx.Exec(
				`UPDATE subscriptions SET last_poll_at = ? WHERE id = ?`, now, sub.ID,
			); err != nil {
				return fmt.Errorf("stamp last_poll_at: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", subscriber, err)
	}

	if len(eventTypes) > 0 {
		events = filterByType(events, eventTypes)
	}
	return events, nil
}

// Acknowledge marks an event processed by subscriber. Unknown ids and
// repeat acknowledgments are no-ops.
func (b *Bus) Acknowledge(eventID, subscriber string) error {
	return b.AcknowledgeBatch([]string{eventID}, subscriber)
}

// AcknowledgeBatch acknowledges several events in one transaction, with
// the same idempotence per id.
func (b *Bus) AcknowledgeBatch(eventIDs []string, subscriber string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	now := model.FormatTime(time.Now().UTC())
	err := b.store.Write(func(tx *sql.Tx) error {
		for _, id := range eventIDs {
			res, err := tx.Exec(
				`UPDATE events SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
				 WHERE id = ? AND acknowledged = 0`,
				subscriber, now, id,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				b.logger.Debug("acknowledge matched nothing", "event_id", id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// TimelineQuery filters Timeline. Zero values mean "no constraint".
type TimelineQuery struct {
	Since   time.Time
	Until   time.Time
	Sources []string
	Types   []string
	Limit   int
}

// Timeline returns matching events newest-first for audit and debugging.
// It never touches acknowledgment state.
func (b *Bus) Timeline(q TimelineQuery) ([]model.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}

	conditions := []string{"1=1"}
	var args []any
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, model.FormatTime(q.Since))
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, model.FormatTime(q.Until))
	}
	if len(q.Sources) > 0 {
		conditions = append(conditions, "source IN ("+placeholders(len(q.Sources))+")")
		for _, s := range q.Sources {
			args = append(args, s)
		}
	}
	if len(q.Types) > 0 {
		conditions = append(conditions, "event_type IN ("+placeholders(len(q.Types))+")")
		for _, et := range q.Types {
			args = append(args, et)
		}
	}
	args = append(args, limit)

	var events []model.Event
	err := b.store.Read(func(qr store.Querier) error {
		rows, err := qr.Query(
			selectEventColumns+` FROM events WHERE `+strings.Join(conditions, " AND ")+
				` ORDER BY timestamp DESC, id DESC LIMIT ?`,
			args...,
		)
		if err != nil {
			return err
		}
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return events, nil
}

// Correlated returns every event sharing correlationID, oldest first.
func (b *Bus) Correlated(correlationID string) ([]model.Event, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	var events []model.Event
	err := b.store.Read(func(q store.Querier) error {
		rows, err := q.Query(
			selectEventColumns+` FROM events WHERE correlation_id = ?
			 ORDER BY timestamp ASC, id ASC`,
			correlationID,
		)
		if err != nil {
			return err
		}
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("correlated %s: %w", correlationID, err)
	}
	return events, nil
}

// CleanupAcknowledged deletes acknowledged events older than olderThan
// and returns how many went. The only destructive path in the bus.
func (b *Bus) CleanupAcknowledged(olderThan time.Duration) (int64, error) {
	horizon := model.FormatTime(time.Now().UTC().Add(-olderThan))
	var removed int64
	err := b.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM events WHERE acknowledged = 1 AND timestamp < ?`, horizon,
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	if removed > 0 {
		b.logger.Info("cleaned up acknowledged events", "removed", removed)
	}
	return removed, nil
}

// selectEventColumns is the one reviewed column list every event query
// uses, so scanEvents always matches.
const selectEventColumns = `SELECT id, timestamp, source, event_type, payload,
	COALESCE(correlation_id, ''), priority, acknowledged,
	COALESCE(acknowledged_by, ''), COALESCE(acknowledged_at, '')`

// pollQuery builds the unacknowledged-event select for a set of active
// subscriptions. Each subscription contributes one OR group: its event
// types, its creation-time lower bound, and its source filter when it has
// one. Column names are fixed; only placeholder lists vary.
func pollQuery(subs []model.Subscription, limit int) (string, []any) {
	var groups []string
	var args []any
	for _, sub := range subs {
		group := "(event_type IN (" + placeholders(len(sub.EventTypes)) + ") AND timestamp >= ?"
		for _, et := range sub.EventTypes {
			args = append(args, et)
		}
		args = append(args, model.FormatTime(sub.CreatedAt))
		if len(sub.FilterSources) > 0 {
			group += " AND source IN (" + placeholders(len(sub.FilterSources)) + ")"
			for _, src := range sub.FilterSources {
				args = append(args, src)
			}
		}
		group += ")"
		groups = append(groups, group)
	}
	query := selectEventColumns + ` FROM events
	 WHERE acknowledged = 0 AND (` + strings.Join(groups, " OR ") + `)
	 ORDER BY priority ASC, timestamp ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return query, args
}

func activeSubscriptions(q store.Querier, subscriber string) ([]model.Subscription, error) {
	rows, err := q.Query(
		`SELECT id, subscriber, event_types, COALESCE(filter_sources, ''), created_at,
		        COALESCE(last_poll_at, ''), active
		 FROM subscriptions WHERE subscriber = ? AND active = 1 ORDER BY created_at ASC`,
		subscriber,
	)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var typesJSON, sourcesJSON, createdStr, polledStr string
		var active int
		if err := rows.Scan(&s.ID, &s.Subscriber, &typesJSON, &sourcesJSON,
			&createdStr, &polledStr, &active); err != nil {
			return nil, err
		}
		s.Active = active != 0
		if s.EventTypes, err = model.UnmarshalStrings(typesJSON); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", s.ID, err)
		}
		if s.FilterSources, err = model.UnmarshalStrings(sourcesJSON); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", s.ID, err)
		}
		if s.CreatedAt, err = model.ParseTime(createdStr, "created_at"); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", s.ID, err)
		}
		if s.LastPollAt, err = model.ParseTime(polledStr, "last_poll_at"); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", s.ID, err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func insertEvent(tx *sql.Tx, e model.Event) error {
	payload, err := model.MarshalDoc(e.Payload)
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	var correlation any
	if e.CorrelationID != "" {
		correlation = e.CorrelationID
	}
	_, err = tx.Exec(
		`INSERT INTO events (id, timestamp, source, event_type, payload, correlation_id, priority, acknowledged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.ID, model.FormatTime(e.Timestamp), e.Source, e.EventType, payload,
		correlation, e.Priority,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var tsStr, payloadJSON, ackAtStr string
		var acked int
		if err := rows.Scan(&e.ID, &tsStr, &e.Source, &e.EventType, &payloadJSON,
			&e.CorrelationID, &e.Priority, &acked, &e.AcknowledgedBy, &ackAtStr); err != nil {
			return nil, err
		}
		e.Acknowledged = acked != 0
		var err error
		if e.Timestamp, err = model.ParseTime(tsStr, "timestamp"); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		if e.AcknowledgedAt, err = model.ParseTime(ackAtStr, "acknowledged_at"); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		if e.Payload, err = model.UnmarshalDoc(payloadJSON); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func filterByType(events []model.Event, types []string) []model.Event {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []model.Event
	for _, e := range events {
		if want[e.EventType] {
			out = append(out, e)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
