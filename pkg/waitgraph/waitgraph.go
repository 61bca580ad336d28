// Package waitgraph tracks which agent is blocked on which resource and
// by whom, and detects deadlock cycles in that graph.
//
// Each edge says "waiter is blocked on resource, currently held by
// holder". Edges are keyed by (waiter, resource): an agent waits on a
// given resource at most once, but may wait on several resources at a
// time. Detection is a pure function over a snapshot of the edges, so it
// can run on every new edge and on a timer without holding locks.
package waitgraph

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
)

// Graph is the wait-for edge API. Stateless; all edges live in the store.
type Graph struct {
	store  store.Interface
	logger *slog.Logger
}

// New returns a Graph over st. A nil logger discards.
func New(st store.Interface, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Graph{store: st, logger: logger.With("component", "wait_graph")}
}

// RecordWait upserts the edge for (waiter, resource). Re-recording the
// same wait refreshes holder and waiting_since rather than erroring, so
// agents can re-announce a stuck wait. A waiter may name itself as
// holder; detection reports that as a one-agent cycle.
func (g *Graph) RecordWait(waiter, holder, resource string) error {
	if strings.TrimSpace(waiter) == "" {
		return fmt.Errorf("wait edge waiter is required")
	}
	if strings.TrimSpace(holder) == "" {
		return fmt.Errorf("wait edge holder is required")
	}
	if strings.TrimSpace(resource) == "" {
		return fmt.Errorf("wait edge resource is required")
	}
	now := model.FormatTime(time.Now().UTC())
	err := g.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO wait_graph (waiter, holder, resource, waiting_since)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(waiter, resource) DO UPDATE SET
			   holder = excluded.holder,
			   waiting_since = excluded.waiting_since`,
			waiter, holder, resource, now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record wait %s on %s: %w", waiter, resource, err)
	}
	return nil
}

// ClearWait removes the edge for (waiter, resource). Clearing an edge
// that is not there is a no-op.
func (g *Graph) ClearWait(waiter, resource string) error {
	err := g.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM wait_graph WHERE waiter = ? AND resource = ?`,
			waiter, resource,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear wait %s on %s: %w", waiter, resource, err)
	}
	return nil
}

// ClearAllForWaiter removes every edge recorded by waiter. Crash
// recovery: call it when the waiter's process is known dead.
func (g *Graph) ClearAllForWaiter(waiter string) (int64, error) {
	var removed int64
	err := g.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM wait_graph WHERE waiter = ?`, waiter)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear waits for %s: %w", waiter, err)
	}
	if removed > 0 {
		g.logger.Debug("cleared waits for waiter", "waiter", waiter, "removed", removed)
	}
	return removed, nil
}

// Edges returns a snapshot of the whole wait-for graph, oldest wait
// first.
func (g *Graph) Edges() ([]model.WaitEdge, error) {
	var edges []model.WaitEdge
	err := g.store.Read(func(q store.Querier) error {
		rows, err := q.Query(
			`SELECT waiter, holder, resource, waiting_since
			 FROM wait_graph ORDER BY waiting_since ASC, waiter ASC, resource ASC`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e model.WaitEdge
			var sinceStr string
			if err := rows.Scan(&e.Waiter, &e.Holder, &e.Resource, &sinceStr); err != nil {
				return err
			}
			if e.WaitingSince, err = model.ParseTime(sinceStr, "waiting_since"); err != nil {
				return err
			}
			edges = append(edges, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read wait graph: %w", err)
	}
	return edges, nil
}

// Detect snapshots the graph and returns every deadlock cycle in it.
func (g *Graph) Detect() ([]Cycle, error) {
	edges, err := g.Edges()
	if err != nil {
		return nil, err
	}
	return DetectCycles(edges), nil
}
