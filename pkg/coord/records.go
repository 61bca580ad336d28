package coord

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
)

// DefaultSearchLimit bounds knowledge and decision listings when the
// caller does not say how many they want.
const DefaultSearchLimit = 50

// Component health statuses the coordinator itself reports. Components
// may report any string; these name the common ones.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// ---- knowledge ----

// AppendKnowledge adds a note other loops can find by category or tag.
// Knowledge is append-only; there is no update or delete. Returns the
// note's id.
func (c *Coordinator) AppendKnowledge(source, category, content string, tags ...string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("knowledge source is required")
	}
	if strings.TrimSpace(category) == "" {
		return "", fmt.Errorf("knowledge category is required")
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("knowledge content is required")
	}
	tagsJSON, err := model.MarshalStrings(tags)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	err = c.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO knowledge (id, source, category, content, tags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, source, category, content, tagsJSON,
			model.FormatTime(time.Now().UTC()),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("add knowledge: %w", err)
	}
	return id, nil
}

// SearchKnowledge returns notes newest first. Empty category or tag
// means "any"; a non-positive limit uses DefaultSearchLimit.
func (c *Coordinator) SearchKnowledge(category, tag string, limit int) ([]model.Knowledge, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	var conditions []string
	var args []any
	if category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, category)
	}
	if tag != "" {
		// Tags live as a JSON array in TEXT; a quoted substring match
		// finds whole tags without false hits on prefixes.
		conditions = append(conditions, "tags LIKE '%\"' || ? || '\"%'")
		args = append(args, tag)
	}
	query := `SELECT id, source, category, content, tags, created_at FROM knowledge`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var notes []model.Knowledge
	err := c.store.Read(func(q store.Querier) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k model.Knowledge
			var tagsJSON, created string
			if err := rows.Scan(&k.ID, &k.Source, &k.Category, &k.Content,
				&tagsJSON, &created); err != nil {
				return err
			}
			if k.Tags, err = model.UnmarshalStrings(tagsJSON); err != nil {
				return err
			}
			if k.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
				return err
			}
			notes = append(notes, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return notes, nil
}

// ---- decisions ----

// RecordDecision stores a choice made on behalf of the system so later
// loops do not revisit it. Returns the decision's id. Keys are not
// unique: a newer row for the same key supersedes older ones.
func (c *Coordinator) RecordDecision(decidedBy, key, value, rationale string, tags ...string) (string, error) {
	if strings.TrimSpace(decidedBy) == "" {
		return "", fmt.Errorf("decision maker is required")
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("decision key is required")
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("decision value is required")
	}
	tagsJSON, err := model.MarshalStrings(tags)
	if err != nil {
		return "", err
	}

	var rat any
	if rationale != "" {
		rat = rationale
	}
	id := uuid.NewString()
	err = c.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO decisions (id, decided_by, key, value, rationale, tags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, decidedBy, key, value, rat, tagsJSON,
			model.FormatTime(time.Now().UTC()),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	return id, nil
}

// LatestDecision returns the newest decision for key, or nil when the
// key was never decided.
func (c *Coordinator) LatestDecision(key string) (*model.Decision, error) {
	var dec *model.Decision
	err := c.store.Read(func(q store.Querier) error {
		var err error
		dec, err = scanDecision(q.QueryRow(
			`SELECT id, decided_by, key, value, COALESCE(rationale, ''), tags, created_at
			 FROM decisions WHERE key = ?
			 ORDER BY created_at DESC, id DESC LIMIT 1`, key,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("latest decision %s: %w", key, err)
	}
	return dec, nil
}

// ListDecisions returns decisions newest first, optionally restricted to
// one key. A non-positive limit uses DefaultSearchLimit.
func (c *Coordinator) ListDecisions(key string, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	query := `SELECT id, decided_by, key, value, COALESCE(rationale, ''), tags, created_at
	          FROM decisions`
	var args []any
	if key != "" {
		query += " WHERE key = ?"
		args = append(args, key)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var decisions []model.Decision
	err := c.store.Read(func(q store.Querier) error {
		rows, err := q.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Decision
			var tagsJSON, created string
			if err := rows.Scan(&d.ID, &d.DecidedBy, &d.Key, &d.Value,
				&d.Rationale, &tagsJSON, &created); err != nil {
				return err
			}
			if d.Tags, err = model.UnmarshalStrings(tagsJSON); err != nil {
				return err
			}
			if d.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
				return err
			}
			decisions = append(decisions, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return decisions, nil
}

func scanDecision(row *sql.Row) (*model.Decision, error) {
	var d model.Decision
	var tagsJSON, created string
	err := row.Scan(&d.ID, &d.DecidedBy, &d.Key, &d.Value, &d.Rationale,
		&tagsJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Tags, err = model.UnmarshalStrings(tagsJSON); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
		return nil, err
	}
	return &d, nil
}

// ---- component health ----

// ReportHealth upserts the latest state of one component. Health is a
// snapshot per component, not a history.
func (c *Coordinator) ReportHealth(component, status, detail string) error {
	if strings.TrimSpace(component) == "" {
		return fmt.Errorf("health component is required")
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("health status is required")
	}
	var det any
	if detail != "" {
		det = detail
	}
	err := c.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO component_health (component, status, detail, checked_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(component) DO UPDATE SET
			   status = excluded.status,
			   detail = excluded.detail,
			   checked_at = excluded.checked_at`,
			component, status, det, model.FormatTime(time.Now().UTC()),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("report health %s: %w", component, err)
	}
	return nil
}

// HealthSnapshot returns the latest state of every component, ordered by
// component name.
func (c *Coordinator) HealthSnapshot() ([]model.ComponentHealth, error) {
	var snapshot []model.ComponentHealth
	err := c.store.Read(func(q store.Querier) error {
		rows, err := q.Query(
			`SELECT component, status, COALESCE(detail, ''), checked_at
			 FROM component_health ORDER BY component ASC`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h model.ComponentHealth
			var checked string
			if err := rows.Scan(&h.Component, &h.Status, &h.Detail, &checked); err != nil {
				return err
			}
			if h.CheckedAt, err = model.ParseTime(checked, "checked_at"); err != nil {
				return err
			}
			snapshot = append(snapshot, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("health snapshot: %w", err)
	}
	return snapshot, nil
}

// ---- alerts ----

// RaiseAlert records a condition needing attention and returns its id.
func (c *Coordinator) RaiseAlert(severity model.AlertSeverity, source, message string, details map[string]any) (string, error) {
	if !model.ValidAlertSeverity(severity) {
		return "", fmt.Errorf("invalid alert severity %q", severity)
	}
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("alert source is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("alert message is required")
	}
	detailsJSON, err := model.MarshalDoc(details)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	err = c.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO alerts (id, severity, source, message, details, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(severity), source, message, detailsJSON,
			model.FormatTime(time.Now().UTC()),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("raise alert: %w", err)
	}
	if severity == model.SeverityCritical {
		c.logger.Error("critical alert", "source", source, "message", message)
	}
	return id, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (c *Coordinator) ActiveAlerts() ([]model.Alert, error) {
	var alerts []model.Alert
	err := c.store.Read(func(q store.Querier) error {
		rows, err := q.Query(
			`SELECT id, severity, source, message, details, created_at,
			        resolved, COALESCE(resolved_at, '')
			 FROM alerts
			 WHERE resolved = 0
			 ORDER BY created_at DESC, id DESC`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAlertRow(rows)
			if err != nil {
				return err
			}
			alerts = append(alerts, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("active alerts: %w", err)
	}
	return alerts, nil
}

// ResolveAlert flips the alert's resolved flag. Returns false when the
// alert does not exist or was already resolved.
func (c *Coordinator) ResolveAlert(alertID string) (bool, error) {
	var resolved bool
	err := c.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE alerts SET resolved = 1, resolved_at = ?
			 WHERE id = ? AND resolved = 0`,
			model.FormatTime(time.Now().UTC()), alertID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		resolved = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return resolved, nil
}

func scanAlertRow(rows *sql.Rows) (*model.Alert, error) {
	var a model.Alert
	var detailsJSON, created, resolvedAt string
	var resolvedInt int
	if err := rows.Scan(&a.ID, &a.Severity, &a.Source, &a.Message,
		&detailsJSON, &created, &resolvedInt, &resolvedAt); err != nil {
		return nil, err
	}
	a.Resolved = resolvedInt != 0
	var err error
	if a.Details, err = model.UnmarshalDoc(detailsJSON); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = model.ParseTime(resolvedAt, "resolved_at"); err != nil {
		return nil, err
	}
	return &a, nil
}
