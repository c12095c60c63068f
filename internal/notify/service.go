// Package notify turns classified changes into delivered messages: filtering
// against user preferences, grouping bursts, and sending through the chat
// transport with rate limiting and retry.
package notify

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport"
	logx "sitewatch/pkg/logx"
)

type Config struct {
	Workers       int           // default 2
	QueueSize     int           // default 256
	RatePerSec    int           // default 3
	RetryMax      int           // default 2
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s
	SendTimeout   time.Duration // default 10s

	// GroupWindow is how long enqueued notifications accumulate before a
	// flush. The window exists to merge bursts from one scan cycle, so it is
	// short by default relative to the scan cadence.
	GroupWindow time.Duration // default 30m for digest users; immediate users flush after FlushDelay
	// FlushDelay is the coalescing delay for "immediate" users.
	FlushDelay time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.GroupWindow <= 0 {
		c.GroupWindow = 30 * time.Minute
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 5 * time.Second
	}
	return c
}

// Service is the asynchronous delivery path. Enqueued notifications are
// rendered and sent by a small worker pool so slow chat I/O never blocks scan
// progress.
type Service struct {
	cfg     Config
	adapter transport.Adapter
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	queue    chan Notification
	stopCh   chan struct{}
	workerWG sync.WaitGroup
}

func NewService(cfg Config, adapter transport.Adapter, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		adapter: adapter,
		store:   store,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(i)
	}
	s.log.Info("delivery started", logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("delivery stop timed out")
		return ctx.Err()
	}
	s.log.Info("delivery stopped")
	return nil
}

// Submit queues a notification for delivery. Returns false when the service
// is stopped or the queue is full (the notification is dropped and counted).
func (s *Service) Submit(n Notification) bool {
	s.mu.Lock()
	running, queue := s.running, s.queue
	s.mu.Unlock()
	if !running {
		return false
	}
	select {
	case queue <- n:
		return true
	default:
		s.log.Warn("delivery queue full, notification dropped",
			logx.Int64("user_id", n.UserID),
			logx.String("site", n.SiteName))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: n.ID})
		return false
	}
}

func (s *Service) worker(id int) {
	defer s.workerWG.Done()
	for {
		// Fast exit so a full queue cannot outlive Stop.
		select {
		case <-s.stopCh:
			return
		default:
		}
		select {
		case <-s.stopCh:
			return
		case n := <-s.queue:
			s.deliver(n)
		}
	}
}

func (s *Service) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delivery panic", logx.Any("panic", r))
		}
	}()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 30*time.Second)
	err := s.limiter.Wait(waitCtx)
	cancelWait()
	if err != nil {
		return
	}

	text := Render(n)
	opts := &transport.SendOptions{
		DisablePreview: true,
		Buttons:        feedbackButtons(n.ID),
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if !s.sleepBackoff(context.Background(), attempt) {
				return
			}
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		_, lastErr = s.adapter.SendText(sendCtx, transport.ChatTarget{ChatID: n.UserID}, text, opts)
		cancel()
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		s.log.Warn("notification delivery failed",
			logx.Int64("user_id", n.UserID),
			logx.String("site", n.SiteName),
			logx.Err(lastErr))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: n.ID})
		return
	}

	// History write is best-effort after delivery: a store hiccup must not
	// undo a message the user already has.
	if err := s.store.RecordSent(context.Background(), storage.NotificationRecord{
		ID:         n.ID,
		UserID:     n.UserID,
		SiteName:   n.SiteName,
		Category:   n.Category,
		Importance: n.Importance,
		SentAt:     time.Now(),
	}); err != nil {
		s.log.Warn("recording notification history failed",
			logx.String("notification_id", n.ID),
			logx.Err(err))
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: n.ID})
	s.log.Info("notification delivered",
		logx.Int64("user_id", n.UserID),
		logx.String("site", n.SiteName),
		logx.String("importance", n.Importance),
		logx.Bool("summary", n.IsSummary))
}

func (s *Service) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := s.cfg.RetryBase << (attempt - 1)
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	// Jitter to spread retries from concurrent workers.
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

func importanceEmoji(importance string) string {
	switch importance {
	case "high":
		return "\U0001F534" // red circle
	case "medium":
		return "\U0001F7E1" // yellow circle
	default:
		return "\U0001F535" // blue circle
	}
}

// Render formats a notification as plain text for the chat transport.
func Render(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", importanceEmoji(n.Importance), n.Title)
	if n.IsSummary {
		for _, d := range n.Details {
			fmt.Fprintf(&b, "\n• %s", d)
		}
	} else if n.Body != "" {
		fmt.Fprintf(&b, "\n%s", n.Body)
	}
	if n.SiteURL != "" {
		fmt.Fprintf(&b, "\n\n%s", n.SiteURL)
	}
	return b.String()
}

func feedbackButtons(notificationID string) [][]transport.Button {
	return [][]transport.Button{
		{
			{Text: "\U0001F44D Like", Data: "fb|like|" + notificationID},
			{Text: "\U0001F44E Dislike", Data: "fb|dislike|" + notificationID},
		},
		{
			{Text: "Dismiss", Data: "fb|dismiss|" + notificationID},
		},
	}
}
