// Package model defines the domain types for the agent coordination layer.
//
// The coordination substrate rests on three primitives, all backed by one
// SQLite file:
//
//   - Events: a durable publish/subscribe log. Publishers insert rows;
//     subscribers poll unacknowledged rows matching their subscriptions and
//     acknowledge what they have processed. Delivery is at-least-once.
//
//   - File locks: lease-based mutual exclusion over an application-level
//     path namespace. A lock is live until expires_at passes; expired rows
//     are logically absent even before a sweep removes them.
//
//   - Wait edges: "waiter is blocked on holder for resource" records whose
//     directed graph is the input to deadlock detection.
//
// Rows store timestamps as ISO-8601 UTC text and booleans as integers;
// the helpers at the bottom of this file own those conversions so every
// package serializes identically.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LoopStatus enumerates the lifecycle states of a registered loop.
type LoopStatus string

const (
	LoopRunning LoopStatus = "running"
	LoopStopped LoopStatus = "stopped"
	LoopPaused  LoopStatus = "paused"
	LoopError   LoopStatus = "error"
)

// ValidLoopStatus reports whether s is one of the known loop states.
func ValidLoopStatus(s LoopStatus) bool {
	switch s {
	case LoopRunning, LoopStopped, LoopPaused, LoopError:
		return true
	}
	return false
}

// AlertSeverity enumerates alert levels, mildest first.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// ValidAlertSeverity reports whether s is one of the known severities.
func ValidAlertSeverity(s AlertSeverity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Event types the coordination layer itself emits. Agent-defined types are
// free-form strings; these constants only name the built-in ones.
const (
	EventFileLocked       = "file_locked"
	EventFileUnlocked     = "file_unlocked"
	EventDeadlockDetected = "deadlock_detected"
)

// Priority bounds for events. Lower numbers are served first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Event is one row in the durable event log. Immutable once published
// except for the acknowledgment fields.
type Event struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Priority       int            `json:"priority"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time      `json:"acknowledged_at"`
}

// Draft is the input to publish and publishBatch: an event before the bus
// assigns its id and timestamp. Priority 0 means "use the default".
type Draft struct {
	Source        string         `json:"source"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Validate rejects drafts that must never reach the store: missing source
// or type, or a priority outside [1,10] (0 is allowed and defaulted).
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("event source is required")
	}
	if strings.TrimSpace(d.EventType) == "" {
		return fmt.Errorf("event type is required")
	}
	if d.Priority != 0 && (d.Priority < PriorityHighest || d.Priority > PriorityLowest) {
		return fmt.Errorf("event priority %d out of range [%d,%d]", d.Priority, PriorityHighest, PriorityLowest)
	}
	return nil
}

// Subscription registers a subscriber's interest in a set of event types,
// optionally restricted to specific sources. Deactivated, never deleted.
type Subscription struct {
	ID            string    `json:"id"`
	Subscriber    string    `json:"subscriber"`
	EventTypes    []string  `json:"event_types"`
	FilterSources []string  `json:"filter_sources,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastPollAt    time.Time `json:"last_poll_at"`
	Active        bool      `json:"active"`
}

// FileLock is a lease on a path. At most one live lock exists per path;
// the store enforces this with the primary key on file_path.
type FileLock struct {
	FilePath   string    `json:"file_path"`
	LockedBy   string    `json:"locked_by"`
	LockedAt   time.Time `json:"locked_at"`
	LockReason string    `json:"lock_reason,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	TestID     string    `json:"test_id,omitempty"`
}

// Expired reports whether the lease has lapsed as of now. An expired lock
// is logically absent even if its row has not been swept yet. A lease is
// live strictly before ExpiresAt; the expiry instant itself counts as
// lapsed, and every query over expires_at follows the same convention.
func (l FileLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// WaitEdge records that waiter is blocked on a resource currently held by
// holder. Keyed by (waiter, resource): a waiter waits on one holder per
// resource at a time.
type WaitEdge struct {
	Waiter       string    `json:"waiter"`
	Holder       string    `json:"holder"`
	Resource     string    `json:"resource"`
	WaitingSince time.Time `json:"waiting_since"`
}

// Loop is the registry entry for a coordination participant.
type Loop struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Priority      int        `json:"priority"`
	Branch        string     `json:"branch,omitempty"`
	Status        LoopStatus `json:"status"`
	CurrentTestID string     `json:"current_test_id,omitempty"`
	PID           int        `json:"pid,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// Knowledge is an append-only note shared between loops.
type Knowledge struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision records a choice one loop made on behalf of the system, so
// later loops do not relitigate it.
type Decision struct {
	ID        string    `json:"id"`
	DecidedBy string    `json:"decided_by"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Rationale string    `json:"rationale,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ComponentHealth is the latest reported state of one component, keyed by
// component name (upserted, not appended).
type ComponentHealth struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Alert is a surfaced condition needing attention, e.g. a detected
// deadlock cycle. Resolution is a flag flip, not a delete.
type Alert struct {
	ID         string         `json:"id"`
	Severity   AlertSeverity  `json:"severity"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// TimeLayout is the text form of every timestamp column. Unlike
// RFC3339Nano it keeps trailing zeros, so lexicographic order over stored
// strings equals chronological order; poll and timeline rely on that.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout. The zero time renders as
// the empty string, which the schema stores as NULL-equivalent.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. It accepts any RFC3339 fraction
// width so rows written by other tooling still parse. field names the
// column for error messages. Empty input yields the zero time.
func ParseTime(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return t.UTC(), nil
}

// BoolToInt is the store-boundary coercion for boolean columns.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarshalDoc encodes a payload/details document for a TEXT column.
// nil encodes as "{}" so the column is never empty.
func MarshalDoc(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// UnmarshalDoc decodes a stored document. Empty or "{}" yields nil.
func UnmarshalDoc(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", s, err)
	}
	return m, nil
}

// MarshalStrings encodes a string set for a TEXT column. nil encodes as
// "[]".
func MarshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("encode string set: %w", err)
	}
	return string(b), nil
}

// UnmarshalStrings decodes a stored string set. Empty or "[]" yields nil.
func UnmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, fmt.Errorf("decode string set %q: %w", s, err)
	}
	return ss, nil
}
