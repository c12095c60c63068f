package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassThrough(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("a", 50)
	}
	text := strings.Join(lines, "\n")

	chunks := splitText(text, 500)
	if len(chunks) < 2 {
		t.Fatalf("long text not split: %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 500 {
			t.Errorf("chunk %d length %d exceeds limit", i, len([]rune(c)))
		}
		// Splitting on newline boundaries keeps lines whole.
		for _, line := range strings.Split(c, "\n") {
			if len(line) != 50 {
				t.Errorf("chunk %d contains a broken line of length %d", i, len(line))
			}
		}
	}

	if strings.Join(chunks, "\n") != text {
		t.Error("rejoined chunks lost content")
	}
}

func TestSplitTextHardBreakWithoutNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 1200)
	chunks := splitText(text, 500)
	var total int
	for i, c := range chunks {
		if len([]rune(c)) > 500 {
			t.Errorf("chunk %d exceeds limit", i)
		}
		total += len(c)
	}
	if total != 1200 {
		t.Errorf("total %d, want 1200", total)
	}
}
