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

// Presence thresholds derived from last_heartbeat.
const (
	presenceOnline = 2 * time.Minute
	presenceIdle   = 10 * time.Minute
)

// RegisterOption adjusts loop registration.
type RegisterOption func(*registerParams)

type registerParams struct {
	priority int
	branch   string
	pid      int
}

// WithLoopPriority sets the loop's scheduling priority (lower runs first).
func WithLoopPriority(p int) RegisterOption {
	return func(r *registerParams) { r.priority = p }
}

// WithBranch records the git branch the loop works on.
func WithBranch(branch string) RegisterOption {
	return func(r *registerParams) { r.branch = branch }
}

// WithPID records the loop's operating system process id.
func WithPID(pid int) RegisterOption {
	return func(r *registerParams) { r.pid = pid }
}

// RegisterLoop creates or revives the registry entry for name and
// returns the stored row. Names are unique: registering an existing name
// marks the loop running, refreshes its heartbeat, and overlays any
// options given, keeping the original id and created_at. Two processes
// must not register the same name concurrently; the later one simply
// takes over the row.
func (c *Coordinator) RegisterLoop(name string, opts ...RegisterOption) (*model.Loop, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("loop name is required")
	}
	var params registerParams
	for _, opt := range opts {
		opt(&params)
	}

	// Option values bind as NULL when unset so existing columns survive
	// a bare re-register.
	var priority, branch, pid any
	if params.priority != 0 {
		priority = params.priority
	}
	if params.branch != "" {
		branch = params.branch
	}
	if params.pid != 0 {
		pid = params.pid
	}

	now := model.FormatTime(time.Now().UTC())
	var loop *model.Loop
	err := c.store.Write(func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(`SELECT id FROM loops WHERE name = ?`, name).Scan(&id)
		switch {
		case err == nil:
			_, err = tx.Exec(
				`UPDATE loops SET
				   status = 'running',
				   priority = COALESCE(?, priority),
				   branch = COALESCE(?, branch),
				   pid = COALESCE(?, pid),
				   last_heartbeat = ?
				 WHERE id = ?`,
				priority, branch, pid, now, id,
			)
			if err != nil {
				return fmt.Errorf("revive loop %s: %w", name, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			_, err = tx.Exec(
				`INSERT INTO loops (id, name, priority, branch, status, pid, created_at, last_heartbeat)
				 VALUES (?, ?, COALESCE(?, 5), ?, 'running', ?, ?, ?)`,
				id, name, priority, branch, pid, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert loop %s: %w", name, err)
			}
		default:
			return fmt.Errorf("look up loop %s: %w", name, err)
		}

		loop, err = scanLoop(tx.QueryRow(selectLoopColumns+` WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, fmt.Errorf("loop %s vanished during registration", name)
	}
	c.logger.Info("loop registered", "name", name, "id", loop.ID)
	return loop, nil
}

// Heartbeat refreshes the loop's last_heartbeat. Unknown ids are an
// error: a loop that lost its registry row must re-register, not beat on.
func (c *Coordinator) Heartbeat(loopID string) error {
	now := model.FormatTime(time.Now().UTC())
	err := c.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE loops SET last_heartbeat = ? WHERE id = ?`, now, loopID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unknown loop %q", loopID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// SetLoopStatus moves the loop through its lifecycle. The status must be
// one of the known states; unknown ids are an error.
func (c *Coordinator) SetLoopStatus(loopID string, status model.LoopStatus) error {
	if !model.ValidLoopStatus(status) {
		return fmt.Errorf("invalid loop status %q", status)
	}
	err := c.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE loops SET status = ? WHERE id = ?`, string(status), loopID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unknown loop %q", loopID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set loop status: %w", err)
	}
	return nil
}

// SetCurrentTest points the loop at the test it is working; an empty
// testID clears the column.
func (c *Coordinator) SetCurrentTest(loopID, testID string) error {
	var val any
	if testID != "" {
		val = testID
	}
	err := c.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE loops SET current_test_id = ? WHERE id = ?`, val, loopID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unknown loop %q", loopID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set current test: %w", err)
	}
	return nil
}

// GetLoop returns the loop by id, or nil when no such loop exists.
func (c *Coordinator) GetLoop(loopID string) (*model.Loop, error) {
	return c.getLoopWhere(`WHERE id = ?`, loopID)
}

// GetLoopByName returns the loop by name, or nil when no such loop exists.
func (c *Coordinator) GetLoopByName(name string) (*model.Loop, error) {
	return c.getLoopWhere(`WHERE name = ?`, name)
}

func (c *Coordinator) getLoopWhere(clause string, arg any) (*model.Loop, error) {
	var loop *model.Loop
	err := c.store.Read(func(q store.Querier) error {
		var err error
		loop, err = scanLoop(q.QueryRow(selectLoopColumns+` `+clause, arg))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get loop: %w", err)
	}
	return loop, nil
}

// ListLoops returns every registered loop ordered by name.
func (c *Coordinator) ListLoops() ([]model.Loop, error) {
	var loops []model.Loop
	err := c.store.Read(func(q store.Querier) error {
		rows, err := q.Query(selectLoopColumns + ` ORDER BY name ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l model.Loop
			var created, beat string
			if err := rows.Scan(&l.ID, &l.Name, &l.Priority, &l.Branch, &l.Status,
				&l.CurrentTestID, &l.PID, &created, &beat); err != nil {
				return err
			}
			if l.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
				return err
			}
			if l.LastHeartbeat, err = model.ParseTime(beat, "last_heartbeat"); err != nil {
				return err
			}
			loops = append(loops, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	return loops, nil
}

// LoopPresence classifies a loop by heartbeat age:
//
//	"online"  — beat within 2 minutes
//	"idle"    — beat within 10 minutes
//	"offline" — silent longer, or never beat
func LoopPresence(l model.Loop, now time.Time) string {
	if l.LastHeartbeat.IsZero() {
		return "offline"
	}
	since := now.Sub(l.LastHeartbeat)
	switch {
	case since < presenceOnline:
		return "online"
	case since < presenceIdle:
		return "idle"
	default:
		return "offline"
	}
}

const selectLoopColumns = `
	SELECT id, name, priority, COALESCE(branch, ''), status,
	       COALESCE(current_test_id, ''), COALESCE(pid, 0),
	       created_at, COALESCE(last_heartbeat, '')
	FROM loops`

func scanLoop(row *sql.Row) (*model.Loop, error) {
	var l model.Loop
	var created, beat string
	err := row.Scan(&l.ID, &l.Name, &l.Priority, &l.Branch, &l.Status,
		&l.CurrentTestID, &l.PID, &created, &beat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.CreatedAt, err = model.ParseTime(created, "created_at"); err != nil {
		return nil, err
	}
	if l.LastHeartbeat, err = model.ParseTime(beat, "last_heartbeat"); err != nil {
		return nil, err
	}
	return &l, nil
}
