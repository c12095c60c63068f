// Package detect compares normalized page snapshots and summarizes what
// changed.
package detect

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// MaxDiffLen caps the diff excerpt carried through classification and
// notifications. Full page text never travels past this package.
const MaxDiffLen = 5000

const diffContextLines = 2

// Change describes one detected content change.
type Change struct {
	OldHash string
	NewHash string
	// Diff is a unified diff of the normalized text, truncated to MaxDiffLen.
	Diff string
	// OldLen/NewLen are rune counts of the normalized snapshots.
	OldLen int
	NewLen int
	// First is set when there was no previous snapshot; the check only
	// establishes a baseline and Diff is empty.
	First bool
}

// Delta is the absolute size difference between the two snapshots.
func (c Change) Delta() int {
	d := c.NewLen - c.OldLen
	if d < 0 {
		d = -d
	}
	return d
}

// Compare evaluates a fresh snapshot against the stored one.
//
// Returns (change, true) when the content differs or when this is the first
// observation of the site; (zero, false) when nothing changed.
func Compare(oldHash, oldText, newHash, newText string) (Change, bool) {
	if oldHash == "" {
		return Change{
			NewHash: newHash,
			NewLen:  len([]rune(newText)),
			First:   true,
		}, true
	}
	if oldHash == newHash {
		return Change{}, false
	}
	return Change{
		OldHash: oldHash,
		NewHash: newHash,
		Diff:    unifiedDiff(oldText, newText),
		OldLen:  len([]rune(oldText)),
		NewLen:  len([]rune(newText)),
	}, true
}

func unifiedDiff(oldText, newText string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "before",
		ToFile:   "after",
		Context:  diffContextLines,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		// SplitLines input cannot fail to diff; keep a degenerate marker so
		// downstream still sees a non-empty change description.
		return "(diff unavailable)"
	}
	out = strings.TrimRight(out, "\n")
	if rs := []rune(out); len(rs) > MaxDiffLen {
		out = string(rs[:MaxDiffLen]) + "\n... (truncated)"
	}
	return out
}
