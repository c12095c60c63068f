package storage

import (
	"errors"
	"time"
)

var (
	ErrSiteExists = errors.New("site already monitored")
	ErrNotFound   = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default driver)
//   - "memory": process-local maps, no persistence (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Site is one monitored page. Unique per (OwnerID, URL).
//
// LastHash/LastText/LastCheckedAt are mutated only by the monitor after a
// completed check; registration and removal happen via the bot commands.
type Site struct {
	ID      int64
	OwnerID int64
	URL     string
	Name    string
	// Selector optionally narrows extraction to a CSS-selected subtree.
	Selector      string
	LastHash      string
	LastText      string
	CheckEvery    time.Duration
	Enabled       bool
	LastCheckedAt time.Time // zero if never checked
}

type User struct {
	ID         int64
	Username   string
	FirstName  string
	Subscribed bool
}

// PatternStat is the running like/dislike tally for one
// (category, importance) pair.
type PatternStat struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
}

// Preferences is the per-user notification profile. Weights always stay
// within [0.1, 1.0].
type Preferences struct {
	UserID     int64
	Categories []string
	Weights    map[string]float64
	// Patterns is keyed by "<category>|<importance>".
	Patterns  map[string]PatternStat
	Frequency string
}

// PatternKey builds the Patterns map key.
func PatternKey(category, importance string) string {
	return category + "|" + importance
}

// NotificationRecord is one row of delivered-notification history.
type NotificationRecord struct {
	ID               string
	UserID           int64
	SiteName         string
	Category         string
	Importance       string
	SentAt           time.Time
	FeedbackReceived bool
}

type FeedbackEntry struct {
	UserID         int64
	NotificationID string
	Type           string // like | dislike | dismiss
	Category       string
	Importance     string
	At             time.Time
}

type CheckError struct {
	SiteID  int64
	Kind    string
	Message string
	At      time.Time
}
