package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "sitewatch/pkg/logx"
)

// Store is the persistence API used by the monitor, the preference model and
// the notification pipeline. Implementations serialize writes internally; the
// check volume is small relative to store throughput, so a single-writer
// discipline is acceptable.
type Store interface {
	// Sites.
	AddSite(ctx context.Context, s Site) (int64, error)
	SiteByID(ctx context.Context, id int64) (Site, error)
	SitesByOwner(ctx context.Context, ownerID int64) ([]Site, error)
	DeleteSite(ctx context.Context, ownerID, siteID int64) (bool, error)
	// DueSites returns enabled sites of subscribed owners that have never
	// been checked or whose check interval has elapsed at now.
	DueSites(ctx context.Context, now time.Time) ([]Site, error)
	UpdateSiteState(ctx context.Context, siteID int64, hash, text string, checkedAt time.Time) error
	RecordCheckError(ctx context.Context, e CheckError) error

	// Users.
	UpsertUser(ctx context.Context, u User) error
	SetSubscribed(ctx context.Context, userID int64, subscribed bool) error
	GetUser(ctx context.Context, userID int64) (User, bool, error)

	// Preferences.
	GetPreferences(ctx context.Context, userID int64) (Preferences, bool, error)
	PutPreferences(ctx context.Context, p Preferences) error

	// Notification history and feedback.
	RecordSent(ctx context.Context, r NotificationRecord) error
	MarkFeedbackReceived(ctx context.Context, notificationID string, userID int64) error
	LookupNotification(ctx context.Context, notificationID string, userID int64) (NotificationRecord, bool, error)
	AppendFeedback(ctx context.Context, e FeedbackEntry) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
