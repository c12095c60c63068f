package detect

import (
	"strings"
	"testing"
)

func TestCompareUnchanged(t *testing.T) {
	t.Parallel()

	_, changed := Compare("abc", "hello world", "abc", "hello world")
	if changed {
		t.Fatal("identical fingerprints reported as changed")
	}
}

func TestCompareFirstCheckIsBaseline(t *testing.T) {
	t.Parallel()

	ch, changed := Compare("", "", "abc", "Hello world, welcome.")
	if !changed {
		t.Fatal("first observation must be reported so state gets stored")
	}
	if !ch.First {
		t.Error("First not set on baseline observation")
	}
	if ch.Diff != "" {
		t.Errorf("baseline must not carry a diff, got %q", ch.Diff)
	}
}

func TestCompareProducesDiff(t *testing.T) {
	t.Parallel()

	ch, changed := Compare("h1", "the old page text", "h2", "the new page text")
	if !changed {
		t.Fatal("different fingerprints reported as unchanged")
	}
	if ch.First {
		t.Error("First set on a non-baseline change")
	}
	if !strings.Contains(ch.Diff, "-the old page text") || !strings.Contains(ch.Diff, "+the new page text") {
		t.Errorf("unified diff missing expected lines:\n%s", ch.Diff)
	}
	if ch.OldLen != len("the old page text") || ch.NewLen != len("the new page text") {
		t.Errorf("lengths = %d/%d", ch.OldLen, ch.NewLen)
	}
}

func TestCompareTruncatesLongDiff(t *testing.T) {
	t.Parallel()

	oldLines := make([]string, 500)
	newLines := make([]string, 500)
	for i := range oldLines {
		oldLines[i] = strings.Repeat("a", 30)
		newLines[i] = strings.Repeat("b", 30)
	}
	ch, changed := Compare("h1", strings.Join(oldLines, "\n"), "h2", strings.Join(newLines, "\n"))
	if !changed {
		t.Fatal("expected change")
	}
	if got := len([]rune(ch.Diff)); got > MaxDiffLen+len("\n... (truncated)") {
		t.Errorf("diff length %d exceeds cap", got)
	}
	if !strings.HasSuffix(ch.Diff, "(truncated)") {
		t.Error("truncated diff missing marker")
	}
}

func TestDelta(t *testing.T) {
	t.Parallel()

	if d := (Change{OldLen: 10, NewLen: 4}).Delta(); d != 6 {
		t.Errorf("Delta = %d, want 6", d)
	}
	if d := (Change{OldLen: 4, NewLen: 10}).Delta(); d != 6 {
		t.Errorf("Delta = %d, want 6", d)
	}
}
