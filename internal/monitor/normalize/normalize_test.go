package normalize

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractStripsNonContent(t *testing.T) {
	t.Parallel()

	html := `<html><head>
		<meta charset="utf-8">
		<link rel="stylesheet" href="a.css">
		<style>body { color: red }</style>
		<script>var tracking = "` + strings.Repeat("x", 100) + `";</script>
	</head><body>
		<noscript>enable javascript</noscript>
		<iframe src="ad.html"></iframe>
		<h1>Welcome   to	the site</h1>
		<p>This page has enough visible text to clear the minimum length bar.</p>
	</body></html>`

	text, err := Extract([]byte(html), "text/html; charset=utf-8", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, banned := range []string{"tracking", "color: red", "enable javascript", "ad.html"} {
		if strings.Contains(text, banned) {
			t.Errorf("extracted text contains stripped content %q", banned)
		}
	}
	if !strings.Contains(text, "Welcome to the site") {
		t.Errorf("whitespace not collapsed: %q", text)
	}
}

func TestExtractTooShort(t *testing.T) {
	t.Parallel()

	_, err := Extract([]byte("<html><body><p>tiny</p></body></html>"), "text/html", "")
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestExtractSelector(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<nav>Home About Contact and plenty of other navigation noise here</nav>
		<main id="content">The main article body, which is long enough to pass the length check easily.</main>
	</body></html>`

	text, err := Extract([]byte(html), "text/html", "#content")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(text, "navigation noise") {
		t.Errorf("selector did not narrow extraction: %q", text)
	}

	if _, err := Extract([]byte(html), "text/html", "#missing"); !errors.Is(err, ErrSelectorMiss) {
		t.Errorf("want ErrSelectorMiss for selector matching nothing, got %v", err)
	}
}

func TestExtractDecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	// "café" in ISO-8859-1: é is 0xE9.
	body := []byte("<html><body><p>Visit our caf\xe9 for details; the menu changes every single day of the week.</p></body></html>")
	text, err := Extract(body, "text/html; charset=iso-8859-1", "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "café") {
		t.Errorf("charset not decoded: %q", text)
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	a := Fingerprint("same text")
	b := Fingerprint("same text")
	c := Fingerprint("different text")
	if a != b {
		t.Errorf("same input produced different fingerprints: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different inputs produced identical fingerprints")
	}
	if len(a) != 32 {
		t.Errorf("fingerprint length = %d, want 32 hex chars", len(a))
	}
}
