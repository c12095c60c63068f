package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/classify"
	"sitewatch/internal/eventbus"
	"sitewatch/internal/monitor/detect"
	"sitewatch/internal/prefs"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// ErrUnknownNotification is returned for feedback on an id with no delivery
// history (expired, fabricated, or delivered before a data reset).
var ErrUnknownNotification = errors.New("unknown notification")

// Pipeline connects detection output to delivery: classify the change, filter
// it against the owner's preferences, group it, and hand it to the delivery
// service. It also receives feedback and routes it into the preference model.
type Pipeline struct {
	analyzer classify.Analyzer
	model    *prefs.Model
	store    storage.Store
	grouper  *Grouper
	delivery *Service
	bus      eventbus.Bus
	log      logx.Logger

	flushDelay  time.Duration
	groupWindow time.Duration

	timerMu sync.Mutex
	timers  map[int64]*time.Timer
	closed  bool
}

func NewPipeline(cfg Config, analyzer classify.Analyzer, model *prefs.Model, store storage.Store, delivery *Service, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		analyzer:    analyzer,
		model:       model,
		store:       store,
		grouper:     NewGrouper(),
		delivery:    delivery,
		bus:         bus,
		log:         log,
		flushDelay:  cfg.FlushDelay,
		groupWindow: cfg.GroupWindow,
		timers:      make(map[int64]*time.Timer),
	}
}

// Close cancels pending flush timers. Queued-but-unflushed notifications are
// dropped; they would re-derive on the next detected change anyway.
func (p *Pipeline) Close() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

// ProcessChange handles one detected change for one site. Baseline
// observations (first check of a site) carry no diff and produce no
// notification.
func (p *Pipeline) ProcessChange(ctx context.Context, site storage.Site, ch detect.Change) {
	if ch.First {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeCheckChanged, Data: site.ID})

	userPrefs, err := p.model.Get(ctx, site.OwnerID)
	if err != nil {
		p.log.Warn("loading preferences failed",
			logx.Int64("user_id", site.OwnerID),
			logx.Err(err))
		userPrefs = storage.Preferences{}
	}

	analysis, err := p.analyzer.Analyze(ctx, classify.Input{
		SiteName:    site.Name,
		URL:         site.URL,
		Diff:        ch.Diff,
		OldLen:      ch.OldLen,
		NewLen:      ch.NewLen,
		UserContext: "interested in: " + strings.Join(userPrefs.Categories, ", "),
	})
	if err != nil {
		// Only reachable with a bare analyzer; the fallback wrapper is total.
		p.log.Error("classification failed", logx.Int64("site_id", site.ID), logx.Err(err))
		return
	}

	if !analysis.ShouldNotify {
		p.filtered(site, "analyzer opted out")
		return
	}
	ok, score, err := p.model.ShouldNotify(ctx, site.OwnerID, analysis)
	if err != nil {
		p.log.Warn("preference filter failed",
			logx.Int64("user_id", site.OwnerID),
			logx.Err(err))
		return
	}
	if !ok {
		p.filtered(site, "below preference threshold")
		return
	}

	body := analysis.Summary
	if body == "" {
		body = fmt.Sprintf("Content changed (%d chars of diff).", len([]rune(ch.Diff)))
	}
	p.grouper.Enqueue(Notification{
		ID:         uuid.NewString(),
		UserID:     site.OwnerID,
		SiteName:   site.Name,
		SiteURL:    site.URL,
		Category:   analysis.Category,
		Importance: analysis.Importance,
		Title:      fmt.Sprintf("%s updated", site.Name),
		Body:       body,
		CreatedAt:  time.Now(),
	})
	p.log.Debug("notification queued",
		logx.Int64("user_id", site.OwnerID),
		logx.String("site", site.Name),
		logx.String("category", analysis.Category),
		logx.Float64("score", score))

	p.scheduleFlush(site.OwnerID, userPrefs.Frequency)
}

func (p *Pipeline) filtered(site storage.Site, reason string) {
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFiltered, Data: site.ID})
	p.log.Debug("change filtered",
		logx.Int64("site_id", site.ID),
		logx.String("reason", reason))
}

// scheduleFlush arms a per-user flush timer if none is pending. Immediate
// users get a short coalescing delay so one scan cycle's changes still group;
// digest users wait out the full window.
func (p *Pipeline) scheduleFlush(userID int64, frequency string) {
	delay := p.flushDelay
	if frequency != "" && frequency != "immediate" {
		delay = p.groupWindow
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.closed {
		return
	}
	if _, pending := p.timers[userID]; pending {
		return
	}
	p.timers[userID] = time.AfterFunc(delay, func() {
		p.timerMu.Lock()
		delete(p.timers, userID)
		p.timerMu.Unlock()

		for _, n := range p.grouper.Flush(userID) {
			p.delivery.Submit(n)
		}
	})
}

// HandleFeedback maps a feedback action back to the notification's category
// and importance, updates the preference model, and records the event. The
// returned text is shown to the user as the button acknowledgement.
func (p *Pipeline) HandleFeedback(ctx context.Context, userID int64, notificationID, action string) (string, error) {
	rec, ok, err := p.store.LookupNotification(ctx, notificationID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownNotification
	}
	if rec.FeedbackReceived {
		return "Feedback already recorded.", nil
	}

	if err := p.model.RecordFeedback(ctx, userID, action, rec.Category, rec.Importance); err != nil {
		return "", err
	}
	if err := p.store.MarkFeedbackReceived(ctx, notificationID, userID); err != nil {
		p.log.Warn("marking feedback failed", logx.String("notification_id", notificationID), logx.Err(err))
	}
	if err := p.store.AppendFeedback(ctx, storage.FeedbackEntry{
		UserID:         userID,
		NotificationID: notificationID,
		Type:           action,
		Category:       rec.Category,
		Importance:     rec.Importance,
		At:             time.Now(),
	}); err != nil {
		p.log.Warn("appending feedback failed", logx.String("notification_id", notificationID), logx.Err(err))
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedback, Data: action})

	switch action {
	case "like":
		return "Thanks! More like this.", nil
	case "dislike":
		return "Got it. Fewer like this.", nil
	default:
		return "Dismissed.", nil
	}
}
