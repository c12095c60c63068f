package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/classify"
)

// Grouper accumulates pending notifications per user and collapses bursts.
//
// Pending notifications group by (category, site): a key with one entry
// passes through unchanged, a key with several becomes one summary carrying
// the max importance and each original summary as a detail line. Flush drains
// atomically; an enqueue after a flush starts a fresh accumulation.
type Grouper struct {
	mu      sync.Mutex
	pending map[int64][]Notification
}

func NewGrouper() *Grouper {
	return &Grouper{pending: make(map[int64][]Notification)}
}

func (g *Grouper) Enqueue(n Notification) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[n.UserID] = append(g.pending[n.UserID], n)
}

// PendingCount reports how many notifications await grouping for the user.
func (g *Grouper) PendingCount(userID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[userID])
}

// Flush drains the user's queue and returns the grouped result. An empty
// queue yields nil.
func (g *Grouper) Flush(userID int64) []Notification {
	g.mu.Lock()
	queue := g.pending[userID]
	delete(g.pending, userID)
	g.mu.Unlock()

	if len(queue) == 0 {
		return nil
	}

	type groupKey struct {
		category string
		site     string
	}
	groups := make(map[groupKey][]Notification)
	order := make([]groupKey, 0, len(queue))
	for _, n := range queue {
		k := groupKey{category: n.Category, site: n.SiteName}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], n)
	}

	out := make([]Notification, 0, len(order))
	for _, k := range order {
		members := groups[k]
		if len(members) == 1 {
			out = append(out, members[0])
			continue
		}
		out = append(out, summarize(k.site, k.category, members))
	}
	return out
}

func summarize(site, category string, members []Notification) Notification {
	importance := members[0].Importance
	details := make([]string, 0, len(members))
	for _, m := range members {
		if classify.ImportanceRank(m.Importance) > classify.ImportanceRank(importance) {
			importance = m.Importance
		}
		detail := m.Body
		if detail == "" {
			detail = m.Title
		}
		details = append(details, detail)
	}

	return Notification{
		ID:         uuid.NewString(),
		UserID:     members[0].UserID,
		SiteName:   site,
		SiteURL:    members[0].SiteURL,
		Category:   category,
		Importance: importance,
		Title:      fmt.Sprintf("%d changes on %s", len(members), site),
		IsSummary:  true,
		Details:    details,
		CreatedAt:  time.Now(),
	}
}
