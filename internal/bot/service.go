// Package bot implements the chat command surface: site registration,
// subscription management, status output and feedback callbacks.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/notify"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport"
	logx "sitewatch/pkg/logx"
)

// Service consumes transport updates and dispatches commands and callbacks.
type Service struct {
	adapter  transport.Adapter
	store    storage.Store
	pipeline *notify.Pipeline
	bus      eventbus.Bus
	log      logx.Logger

	// defaultCheckEvery is applied to sites registered via /monitor.
	defaultCheckEvery func() time.Duration

	stats *stats

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(adapter transport.Adapter, store storage.Store, pipeline *notify.Pipeline, bus eventbus.Bus, defaultCheckEvery func() time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultCheckEvery == nil {
		defaultCheckEvery = func() time.Duration { return 10 * time.Minute }
	}
	return &Service{
		adapter:           adapter,
		store:             store,
		pipeline:          pipeline,
		bus:               bus,
		log:               log,
		defaultCheckEvery: defaultCheckEvery,
		stats:             newStats(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	updates := make(chan transport.Update, 128)
	if err := s.adapter.Start(ctx, updates); err != nil {
		return err
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})

	events, unsub := s.bus.Subscribe(64)
	go s.stats.consume(events)

	go s.loop(updates, s.stopCh, s.stopDone, unsub)
	s.log.Info("command router started")
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
	stopDone := s.stopDone
	s.mu.Unlock()

	if err := s.adapter.Stop(ctx); err != nil {
		s.log.Warn("transport stop failed", logx.Err(err))
	}
	select {
	case <-stopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("command router stopped")
	return nil
}

func (s *Service) loop(updates <-chan transport.Update, stopCh, stopDone chan struct{}, unsub func()) {
	defer close(stopDone)
	defer unsub()
	for {
		select {
		case <-stopCh:
			return
		case up := <-updates:
			s.dispatch(up, stopCh)
		}
	}
}

func (s *Service) dispatch(up transport.Update, stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("update handler panic", logx.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			s.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			s.handleCallback(ctx, up.Callback)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args, _ := strings.Cut(text, " ")
	// "/monitor@botname" forms normalize to the bare command.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)

	s.log.Debug("command",
		logx.Int64("user_id", m.FromID),
		logx.String("cmd", cmd))

	var reply string
	var opts *transport.SendOptions
	switch cmd {
	case "/start":
		reply = s.cmdStart(ctx, m)
	case "/subscribe":
		reply = s.cmdSubscribe(ctx, m, true)
	case "/unsubscribe":
		reply = s.cmdSubscribe(ctx, m, false)
	case "/status":
		reply = s.cmdStatus(ctx, m)
	case "/monitor":
		reply = s.cmdMonitor(ctx, m, args)
	case "/mysites":
		reply = s.cmdMySites(ctx, m)
	case "/delete":
		reply, opts = s.cmdDelete(ctx, m)
	case "/recommend":
		reply = s.cmdRecommend()
	case "/help":
		reply = helpText
	default:
		reply = "Unknown command. Try /help."
	}
	if reply == "" {
		return
	}
	if _, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, reply, opts); err != nil {
		s.log.Warn("sending reply failed",
			logx.Int64("chat_id", m.ChatID),
			logx.Err(err))
	}
}

func (s *Service) handleCallback(ctx context.Context, cb *transport.Callback) {
	parts := strings.Split(cb.Data, "|")
	var answer string
	switch {
	case len(parts) == 3 && parts[0] == "fb":
		answer = s.cbFeedback(ctx, cb, parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "del":
		answer = s.cbDeleteSite(ctx, cb, parts[1])
	default:
		answer = ""
	}
	if err := s.adapter.AnswerCallback(ctx, cb.ID, answer); err != nil {
		s.log.Debug("answering callback failed", logx.Err(err))
	}
}
