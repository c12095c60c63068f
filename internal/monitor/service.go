// Package monitor schedules periodic site checks and runs the
// fetch-normalize-detect pipeline over due sites.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// Service drives periodic checks: a cron entry triggers due-site scans, a
// bounded worker pool performs them. Per-site checks never overlap; a site
// must finish its current check before it becomes eligible again.
type Service struct {
	store storage.Store
	fetch Fetcher
	sink  Sink
	bus   eventbus.Bus
	log   logx.Logger

	mu       sync.Mutex
	cfg      Config
	running  bool
	cron     *cron.Cron
	queue    chan storage.Site
	stopCh   chan struct{}
	stopDone chan struct{}
	workerWG sync.WaitGroup

	// inFlight guards against re-enqueueing a site whose check is still
	// running when the next scan fires.
	inFlightMu sync.Mutex
	inFlight   map[int64]struct{}
}

func New(cfg Config, store storage.Store, fetcher Fetcher, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		fetch:    fetcher,
		sink:     sink,
		bus:      bus,
		log:      log,
		inFlight: make(map[int64]struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("monitoring disabled by config")
		return nil
	}

	s.queue = make(chan storage.Site, 64)
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(i, s.queue, s.stopCh)
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.ScanEvery)
	if _, err := s.cron.AddFunc(spec, s.scan); err != nil {
		close(s.stopCh)
		s.workerWG.Wait()
		close(s.stopDone)
		return fmt.Errorf("schedule scan: %w", err)
	}
	s.cron.Start()

	// First scan runs immediately; the cron entry only covers subsequent
	// cycles.
	go s.scan()

	s.running = true
	s.log.Info("monitoring started",
		logx.Duration("scan_every", s.cfg.ScanEvery),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cronStop := s.cron.Stop()
	close(s.stopCh)
	stopDone := s.stopDone
	s.mu.Unlock()

	go func() {
		<-cronStop.Done()
		s.workerWG.Wait()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		s.log.Info("monitoring stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("monitoring stop timed out")
		return ctx.Err()
	}
}

// Apply restarts the scheduler when scheduling knobs changed. Cheap enough
// that we do not diff individual fields beyond the ones that matter.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	same := s.cfg.Enabled == cfg.Enabled &&
		s.cfg.ScanEvery == cfg.ScanEvery &&
		s.cfg.Workers == cfg.Workers &&
		s.cfg.SiteDelayMin == cfg.SiteDelayMin &&
		s.cfg.SiteDelayMax == cfg.SiteDelayMax
	if same {
		s.cfg = cfg
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if cfg.Enabled {
		return s.Start(ctx)
	}
	return nil
}

// DefaultCheckEvery is the per-site interval applied to newly registered
// sites.
func (s *Service) DefaultCheckEvery() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CheckEvery
}

// scan enqueues all currently due sites, skipping any with a check still in
// flight.
func (s *Service) scan() {
	s.mu.Lock()
	queue, stopCh := s.queue, s.stopCh
	s.mu.Unlock()
	if queue == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sites, err := s.store.DueSites(ctx, timeNow())
	if err != nil {
		s.log.Error("listing due sites failed", logx.Err(err))
		return
	}
	if len(sites) == 0 {
		return
	}
	s.log.Debug("scan cycle", logx.Int("due_sites", len(sites)))

	for _, site := range sites {
		if !s.markInFlight(site.ID) {
			continue
		}
		select {
		case queue <- site:
		case <-stopCh:
			s.clearInFlight(site.ID)
			return
		}
	}
}

func (s *Service) markInFlight(siteID int64) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, busy := s.inFlight[siteID]; busy {
		return false
	}
	s.inFlight[siteID] = struct{}{}
	return true
}

func (s *Service) clearInFlight(siteID int64) {
	s.inFlightMu.Lock()
	delete(s.inFlight, siteID)
	s.inFlightMu.Unlock()
}
