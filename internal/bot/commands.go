package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"sitewatch/internal/notify"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport"
	logx "sitewatch/pkg/logx"
)

const helpText = `Commands:
/monitor <url> - watch a page for changes
/mysites - list watched pages
/delete - remove a watched page
/subscribe - enable change notifications
/unsubscribe - pause notifications
/status - bot and monitoring status
/recommend - tips for better results`

func (s *Service) cmdStart(ctx context.Context, m *transport.Message) string {
	err := s.store.UpsertUser(ctx, storage.User{
		ID:        m.FromID,
		Username:  m.FromUsername,
		FirstName: m.FromName,
	})
	if err != nil {
		s.log.Warn("registering user failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again."
	}
	name := m.FromName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s! I watch web pages and tell you when they change.\n\n"+
		"Add a page with /monitor <url>, then /subscribe to receive alerts.\n%s", name, helpText)
}

func (s *Service) cmdSubscribe(ctx context.Context, m *transport.Message, on bool) string {
	if _, found, err := s.store.GetUser(ctx, m.FromID); err != nil || !found {
		if err != nil {
			s.log.Warn("loading user failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		}
		return "Use /start first."
	}
	if err := s.store.SetSubscribed(ctx, m.FromID, on); err != nil {
		s.log.Warn("updating subscription failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again."
	}
	if on {
		return "Subscribed. You will be notified when your pages change."
	}
	return "Unsubscribed. Your pages stay registered; /subscribe re-enables alerts."
}

func (s *Service) cmdStatus(ctx context.Context, m *transport.Message) string {
	u, found, err := s.store.GetUser(ctx, m.FromID)
	if err != nil {
		s.log.Warn("loading user failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again."
	}
	sub := "not subscribed"
	if found && u.Subscribed {
		sub = "subscribed"
	}
	sites, err := s.store.SitesByOwner(ctx, m.FromID)
	if err != nil {
		s.log.Warn("listing sites failed", logx.Int64("user_id", m.FromID), logx.Err(err))
	}

	snap := s.stats.snapshot()
	return fmt.Sprintf("You are %s, watching %d page(s).\n\n"+
		"Since start:\n"+
		"  changes detected: %d\n"+
		"  checks failed: %d\n"+
		"  notifications sent: %d\n"+
		"  filtered by preferences: %d\n"+
		"  feedback received: %d",
		sub, len(sites),
		snap.changed, snap.failed, snap.sent, snap.filtered, snap.feedback)
}

func (s *Service) cmdMonitor(ctx context.Context, m *transport.Message, rawURL string) string {
	if rawURL == "" {
		return "Usage: /monitor <url>"
	}
	normalized, name, err := normalizeSiteURL(rawURL)
	if err != nil {
		return "That does not look like a valid URL."
	}

	if err := s.store.UpsertUser(ctx, storage.User{
		ID:        m.FromID,
		Username:  m.FromUsername,
		FirstName: m.FromName,
	}); err != nil {
		s.log.Warn("registering user failed", logx.Int64("user_id", m.FromID), logx.Err(err))
	}

	id, err := s.store.AddSite(ctx, storage.Site{
		OwnerID:    m.FromID,
		URL:        normalized,
		Name:       name,
		CheckEvery: s.defaultCheckEvery(),
		Enabled:    true,
	})
	if errors.Is(err, storage.ErrSiteExists) {
		return "You are already watching that page."
	}
	if err != nil {
		s.log.Warn("adding site failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again."
	}

	s.log.Info("site registered",
		logx.Int64("user_id", m.FromID),
		logx.Int64("site_id", id),
		logx.String("url", normalized))
	return fmt.Sprintf("Watching %s (%s).\nThe first check only records a baseline; "+
		"you will hear about changes after that. Make sure you are /subscribe'd.", name, normalized)
}

func (s *Service) cmdMySites(ctx context.Context, m *transport.Message) string {
	sites, err := s.store.SitesByOwner(ctx, m.FromID)
	if err != nil {
		s.log.Warn("listing sites failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again."
	}
	if len(sites) == 0 {
		return "You are not watching any pages yet. Add one with /monitor <url>."
	}
	var b strings.Builder
	b.WriteString("Your watched pages:\n")
	for _, site := range sites {
		checked := "never checked"
		if !site.LastCheckedAt.IsZero() {
			checked = "last checked " + site.LastCheckedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "\n%d. %s\n   %s — %s", site.ID, site.Name, site.URL, checked)
	}
	return b.String()
}

func (s *Service) cmdDelete(ctx context.Context, m *transport.Message) (string, *transport.SendOptions) {
	sites, err := s.store.SitesByOwner(ctx, m.FromID)
	if err != nil {
		s.log.Warn("listing sites failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "Something went wrong, try again.", nil
	}
	if len(sites) == 0 {
		return "Nothing to delete; you are not watching any pages.", nil
	}
	rows := make([][]transport.Button, 0, len(sites))
	for _, site := range sites {
		rows = append(rows, []transport.Button{{
			Text: site.Name,
			Data: "del|" + strconv.FormatInt(site.ID, 10),
		}})
	}
	return "Pick a page to stop watching:", &transport.SendOptions{Buttons: rows}
}

func (s *Service) cmdRecommend() string {
	return "Tips for better monitoring:\n\n" +
		"• Watch specific pages (a pricing or changelog page) rather than busy homepages; " +
		"fewer unrelated edits means fewer noisy alerts.\n" +
		"• Use the like/dislike buttons on notifications — the bot learns which " +
		"categories of change you care about and filters accordingly.\n" +
		"• Pages that rebuild their markup on every load (timestamps, rotating banners) " +
		"can still trigger alerts; prefer a stable subpage if one exists.\n" +
		"• Pages behind logins or rendered entirely by JavaScript cannot be watched."
}

func (s *Service) cbFeedback(ctx context.Context, cb *transport.Callback, action, notificationID string) string {
	switch action {
	case "like", "dislike", "dismiss":
	default:
		return ""
	}
	reply, err := s.pipeline.HandleFeedback(ctx, cb.FromID, notificationID, action)
	if errors.Is(err, notify.ErrUnknownNotification) {
		return "This notification has expired."
	}
	if err != nil {
		s.log.Warn("handling feedback failed",
			logx.Int64("user_id", cb.FromID),
			logx.Err(err))
		return "Something went wrong."
	}
	return reply
}

func (s *Service) cbDeleteSite(ctx context.Context, cb *transport.Callback, rawID string) string {
	siteID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return ""
	}
	deleted, err := s.store.DeleteSite(ctx, cb.FromID, siteID)
	if err != nil {
		s.log.Warn("deleting site failed",
			logx.Int64("user_id", cb.FromID),
			logx.Int64("site_id", siteID),
			logx.Err(err))
		return "Something went wrong."
	}
	if !deleted {
		return "Already removed."
	}
	s.log.Info("site removed",
		logx.Int64("user_id", cb.FromID),
		logx.Int64("site_id", siteID))
	return "Removed."
}

// normalizeSiteURL validates a user-supplied URL and derives the display
// name. A missing scheme defaults to https.
func normalizeSiteURL(raw string) (normalized, name string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" || !strings.Contains(host, ".") {
		return "", "", fmt.Errorf("invalid host %q", host)
	}
	return u.String(), strings.TrimPrefix(host, "www."), nil
}
