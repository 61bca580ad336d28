package model

import (
	"sort"
	"testing"
	"time"
)

func TestDraftValidate_OK(t *testing.T) {
	d := Draft{Source: "loop-1", EventType: "test_failed"}
	if err := d.Validate(); err != nil {
		t.Fatalf("valid draft rejected: %v", err)
	}
}

func TestDraftValidate_DefaultPriorityAllowed(t *testing.T) {
	d := Draft{Source: "loop-1", EventType: "test_failed", Priority: 0}
	if err := d.Validate(); err != nil {
		t.Fatalf("priority 0 (unset) should be allowed: %v", err)
	}
}

func TestDraftValidate_MissingSource(t *testing.T) {
	d := Draft{Source: "  ", EventType: "test_failed"}
	if err := d.Validate(); err == nil {
		t.Fatal("blank source should be rejected")
	}
}

func TestDraftValidate_MissingType(t *testing.T) {
	d := Draft{Source: "loop-1"}
	if err := d.Validate(); err == nil {
		t.Fatal("missing event type should be rejected")
	}
}

func TestDraftValidate_PriorityOutOfRange(t *testing.T) {
	for _, p := range []int{-1, 11, 99} {
		d := Draft{Source: "loop-1", EventType: "x", Priority: p}
		if err := d.Validate(); err == nil {
			t.Fatalf("priority %d should be rejected", p)
		}
	}
}

func TestFileLockExpired(t *testing.T) {
	now := time.Now().UTC()
	live := FileLock{ExpiresAt: now.Add(time.Minute)}
	if live.Expired(now) {
		t.Fatal("future expiry reported as expired")
	}
	lapsed := FileLock{ExpiresAt: now.Add(-time.Second)}
	if !lapsed.Expired(now) {
		t.Fatal("past expiry reported as live")
	}
	boundary := FileLock{ExpiresAt: now}
	if !boundary.Expired(now) {
		t.Fatal("expiry exactly now should count as expired")
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 7, 12, 30, 45, 123456789, time.UTC)
	s := FormatTime(in)
	out, err := ParseTime(s, "timestamp")
	if err != nil {
		t.Fatalf("round trip parse: %v", err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip: got %v, want %v", out, in)
	}
}

func TestFormatTime_Zero(t *testing.T) {
	if s := FormatTime(time.Time{}); s != "" {
		t.Fatalf("zero time: got %q, want empty", s)
	}
	out, err := ParseTime("", "timestamp")
	if err != nil {
		t.Fatalf("empty parse: %v", err)
	}
	if !out.IsZero() {
		t.Fatalf("empty input: got %v, want zero time", out)
	}
}

// Stored timestamps must sort chronologically as plain strings; poll and
// timeline order rows with SQL string comparison.
func TestFormatTime_LexicographicOrder(t *testing.T) {
	base := time.Date(2026, 3, 7, 12, 30, 45, 0, time.UTC)
	times := []time.Time{
		base.Add(50 * time.Millisecond),
		base,
		base.Add(time.Second),
		base.Add(100 * time.Millisecond),
		base.Add(5 * time.Nanosecond),
	}
	formatted := make([]string, len(times))
	for i, tm := range times {
		formatted[i] = FormatTime(tm)
	}
	sort.Strings(formatted)
	for i := 1; i < len(formatted); i++ {
		prev, err := ParseTime(formatted[i-1], "t")
		if err != nil {
			t.Fatal(err)
		}
		cur, err := ParseTime(formatted[i], "t")
		if err != nil {
			t.Fatal(err)
		}
		if cur.Before(prev) {
			t.Fatalf("string order broke time order: %q before %q", formatted[i-1], formatted[i])
		}
	}
}

func TestParseTime_AcceptsTrimmedFractions(t *testing.T) {
	// Rows written by other tooling may carry RFC3339Nano's trimmed form.
	out, err := ParseTime("2026-03-07T12:30:45.5Z", "timestamp")
	if err != nil {
		t.Fatalf("trimmed fraction: %v", err)
	}
	if out.Nanosecond() != 500000000 {
		t.Fatalf("trimmed fraction: got %d ns, want 500000000", out.Nanosecond())
	}
}

func TestParseTime_Garbage(t *testing.T) {
	if _, err := ParseTime("not-a-time", "locked_at"); err == nil {
		t.Fatal("garbage timestamp should not parse")
	}
}

func TestMarshalDoc_NilAndRoundTrip(t *testing.T) {
	s, err := MarshalDoc(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s != "{}" {
		t.Fatalf("nil doc: got %q, want {}", s)
	}

	in := map[string]any{"test_id": "T1", "attempt": float64(2)}
	s, err = MarshalDoc(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalDoc(s)
	if err != nil {
		t.Fatal(err)
	}
	if out["test_id"] != "T1" || out["attempt"] != float64(2) {
		t.Fatalf("doc round trip: got %v", out)
	}
}

func TestUnmarshalDoc_Empty(t *testing.T) {
	for _, s := range []string{"", "{}"} {
		m, err := UnmarshalDoc(s)
		if err != nil {
			t.Fatalf("%q: %v", s, err)
		}
		if m != nil {
			t.Fatalf("%q: got %v, want nil", s, m)
		}
	}
}

func TestMarshalStrings_RoundTrip(t *testing.T) {
	s, err := MarshalStrings(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s != "[]" {
		t.Fatalf("nil set: got %q, want []", s)
	}

	out, err := UnmarshalStrings(`["test_failed","test_passed"]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != "test_failed" {
		t.Fatalf("string set round trip: got %v", out)
	}
}

func TestValidLoopStatus(t *testing.T) {
	for _, s := range []LoopStatus{LoopRunning, LoopStopped, LoopPaused, LoopError} {
		if !ValidLoopStatus(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	if ValidLoopStatus("crashed") {
		t.Fatal("unknown status accepted")
	}
}

func TestValidAlertSeverity(t *testing.T) {
	if !ValidAlertSeverity(SeverityCritical) {
		t.Fatal("critical should be valid")
	}
	if ValidAlertSeverity("fatal") {
		t.Fatal("unknown severity accepted")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 || BoolToInt(false) != 0 {
		t.Fatal("bool coercion broken")
	}
}
