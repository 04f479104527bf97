package activity

import (
	"fmt"
	"testing"
)

func newTestFeed(t *testing.T, capacity int) *Feed {
	t.Helper()
	f, err := NewFeed(capacity)
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFeedRecentNewestFirst(t *testing.T) {
	f := newTestFeed(t, 10)

	f.Publish("FUNNEL_START", "first", nil)
	f.Publish("STEP_SEND", "second", map[string]any{"step": 0})
	f.Publish("FUNNEL_END", "third", nil)

	got := f.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "third" || got[1].Message != "second" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[1].Fields["step"] != float64(0) {
		t.Errorf("fields not preserved: %+v", got[1].Fields)
	}
	if got[0].ID == "" || got[0].Time.IsZero() {
		t.Errorf("entry id and time should be set: %+v", got[0])
	}
}

func TestFeedRingIsBounded(t *testing.T) {
	f := newTestFeed(t, 5)

	for i := 0; i < 12; i++ {
		f.Publish("SEND_ATTEMPT", fmt.Sprintf("m%d", i), nil)
	}

	if f.Len() != 5 {
		t.Fatalf("expected 5 retained entries, got %d", f.Len())
	}
	got := f.Recent(0)
	if len(got) != 5 || got[0].Message != "m11" || got[4].Message != "m7" {
		t.Errorf("unexpected retained entries: %+v", got)
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	f, err := NewFeed(0)
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	f.Publish("X", "after close", nil)
	if f.Len() != 0 {
		t.Errorf("entries after close should be dropped")
	}
}
