package notify

import "time"

// Notification is one message ready for grouping and delivery.
type Notification struct {
	ID         string
	UserID     int64
	SiteName   string
	SiteURL    string
	Category   string
	Importance string
	Title      string
	Body       string
	// IsSummary marks a digest built from several grouped notifications;
	// Details holds the original per-change summaries.
	IsSummary bool
	Details   []string
	CreatedAt time.Time
}
