package notify

import (
	"fmt"
	"testing"
)

func n(userID int64, site, category, importance, body string) Notification {
	return Notification{
		ID:         fmt.Sprintf("%s-%s-%s", site, category, body),
		UserID:     userID,
		SiteName:   site,
		Category:   category,
		Importance: importance,
		Title:      site + " updated",
		Body:       body,
	}
}

func TestFlushGroupsSameKeyIntoSummary(t *testing.T) {
	t.Parallel()
	g := NewGrouper()

	const count = 4
	for i := 0; i < count; i++ {
		g.Enqueue(n(1, "example.com", "content", "medium", fmt.Sprintf("change %d", i)))
	}

	out := g.Flush(1)
	if len(out) != 1 {
		t.Fatalf("flush returned %d notifications, want 1 summary", len(out))
	}
	s := out[0]
	if !s.IsSummary {
		t.Error("grouped result not marked as summary")
	}
	if len(s.Details) != count {
		t.Errorf("summary has %d details, want %d", len(s.Details), count)
	}
	if s.Title != fmt.Sprintf("%d changes on example.com", count) {
		t.Errorf("title = %q", s.Title)
	}
}

func TestFlushKeepsDistinctKeysSeparate(t *testing.T) {
	t.Parallel()
	g := NewGrouper()

	g.Enqueue(n(1, "a.com", "content", "high", "x"))
	g.Enqueue(n(1, "b.com", "content", "high", "y"))
	g.Enqueue(n(1, "a.com", "design", "low", "z"))

	out := g.Flush(1)
	if len(out) != 3 {
		t.Fatalf("flush returned %d notifications, want 3 distinct", len(out))
	}
	for _, nn := range out {
		if nn.IsSummary {
			t.Errorf("singleton %q became a summary", nn.ID)
		}
	}
}

func TestSummaryTakesMaxImportance(t *testing.T) {
	t.Parallel()
	g := NewGrouper()

	g.Enqueue(n(1, "a.com", "content", "low", "x"))
	g.Enqueue(n(1, "a.com", "content", "high", "y"))
	g.Enqueue(n(1, "a.com", "content", "medium", "z"))

	out := g.Flush(1)
	if len(out) != 1 {
		t.Fatalf("want 1 summary, got %d", len(out))
	}
	if out[0].Importance != "high" {
		t.Errorf("summary importance = %q, want high", out[0].Importance)
	}
}

func TestFlushDrains(t *testing.T) {
	t.Parallel()
	g := NewGrouper()

	g.Enqueue(n(1, "a.com", "content", "high", "x"))
	if out := g.Flush(1); len(out) != 1 {
		t.Fatalf("first flush = %d", len(out))
	}
	if out := g.Flush(1); out != nil {
		t.Fatalf("second flush returned %d, want empty", len(out))
	}

	// A later enqueue starts a fresh accumulation.
	g.Enqueue(n(1, "a.com", "content", "high", "again"))
	if out := g.Flush(1); len(out) != 1 {
		t.Fatalf("post-drain flush = %d", len(out))
	}
}

func TestFlushIsPerUser(t *testing.T) {
	t.Parallel()
	g := NewGrouper()

	g.Enqueue(n(1, "a.com", "content", "high", "x"))
	g.Enqueue(n(2, "a.com", "content", "high", "y"))

	if out := g.Flush(1); len(out) != 1 {
		t.Fatalf("user 1 flush = %d", len(out))
	}
	if got := g.PendingCount(2); got != 1 {
		t.Fatalf("user 2 pending = %d, want untouched 1", got)
	}
}
