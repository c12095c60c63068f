// Package normalize reduces fetched HTML to comparable plain text and
// fingerprints it.
package normalize

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ErrTooShort marks pages whose extracted text is below MinTextLen. Such
// pages are treated as not meaningfully fetchable rather than as changed.
var ErrTooShort = errors.New("extracted text too short")

// ErrSelectorMiss reports a configured CSS selector that matched nothing in
// the document. That points at the site's configuration, not the page bytes.
var ErrSelectorMiss = errors.New("selector matched nothing")

// MinTextLen is the minimum number of characters a page must yield to be
// considered real content. Error pages and bot walls tend to fall under it.
const MinTextLen = 50

// Elements that carry no user-visible text or change on every load.
var strippedSelectors = []string{"script", "style", "meta", "link", "noscript", "iframe"}

// Extract converts raw page bytes into normalized visible text.
//
// The body is decoded to UTF-8 (Content-Type charset first, byte-level
// detection as fallback), non-content elements are removed, and whitespace is
// collapsed so formatting-only churn does not register as a change. When
// selector is non-empty, only the matching subtree is extracted.
func Extract(body []byte, contentType, selector string) (string, error) {
	utf8Body, err := decodeToUTF8(body, contentType)
	if err != nil {
		// Undecodable bytes: fall through with the raw body, the HTML parser
		// is tolerant and mostly-ASCII pages still normalize fine.
		utf8Body = body
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}

	root := doc.Selection
	if strings.TrimSpace(selector) != "" {
		sub := doc.Find(selector)
		if sub.Length() == 0 {
			return "", fmt.Errorf("selector %q: %w", selector, ErrSelectorMiss)
		}
		root = sub
	}

	text := collapseWhitespace(root.Text())
	if len([]rune(text)) < MinTextLen {
		return "", ErrTooShort
	}
	return text, nil
}

// Fingerprint returns a stable hex digest of normalized text.
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// decodeToUTF8 converts body to UTF-8. The charset parameter of the
// Content-Type header wins when present and known; otherwise the charset is
// detected from the bytes themselves.
func decodeToUTF8(body []byte, contentType string) ([]byte, error) {
	name := charsetFromContentType(contentType)
	if name == "" {
		det := chardet.NewHtmlDetector()
		res, err := det.DetectBest(body)
		if err != nil {
			return nil, err
		}
		name = res.Charset
	}

	switch strings.ToLower(name) {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return body, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func charsetFromContentType(ct string) string {
	for _, part := range strings.Split(ct, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(strings.ToLower(part), "charset="); ok {
			return strings.Trim(rest, `"'`)
		}
	}
	return ""
}
