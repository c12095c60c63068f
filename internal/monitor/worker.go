package monitor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/monitor/detect"
	"sitewatch/internal/monitor/fetch"
	"sitewatch/internal/monitor/normalize"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// timeNow is a test seam.
var timeNow = time.Now

// Check-error kinds for failures past the fetch stage. Fetch failures carry
// the fetch package's own kinds.
const (
	kindUndecodable  = "undecodable"
	kindSelectorMiss = "selector_miss"
)

func (s *Service) worker(id int, queue <-chan storage.Site, stopCh <-chan struct{}) {
	defer s.workerWG.Done()
	log := s.log.With(logx.Int("worker", id))
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case site := <-queue:
			s.checkSite(site, log)
			s.clearInFlight(site.ID)
			if !s.interSiteDelay(stopCh) {
				return
			}
		}
	}
}

// checkSite runs one full check. Failures are recorded against the site and
// never abort the scan of the remaining queue.
func (s *Service) checkSite(site storage.Site, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("site check panic",
				logx.Int64("site_id", site.ID),
				logx.Any("panic", r))
		}
	}()

	// An in-flight check runs to completion even during shutdown, so a stop
	// never leaves a half-recorded check or a bogus error row behind. The
	// fetcher's own timeout bounds how long that takes.
	ctx := context.Background()

	res, err := s.fetch.Fetch(ctx, site.URL)
	if err != nil {
		s.recordFailure(ctx, site, fetchKind(err), err, log)
		return
	}

	text, err := normalize.Extract(res.Body, res.ContentType, site.Selector)
	if err != nil {
		if errors.Is(err, normalize.ErrTooShort) {
			// Not enough signal to diff; skip without touching stored state so
			// a temporary empty shell cannot wipe the baseline.
			log.Debug("page text too short, skipping",
				logx.Int64("site_id", site.ID),
				logx.String("url", site.URL))
			return
		}
		kind := kindUndecodable
		if errors.Is(err, normalize.ErrSelectorMiss) {
			kind = kindSelectorMiss
		}
		s.recordFailure(ctx, site, kind, err, log)
		return
	}

	hash := normalize.Fingerprint(text)
	change, changed := detect.Compare(site.LastHash, site.LastText, hash, text)

	// Stored state reflects what was observed, regardless of whether anything
	// downstream decides to notify.
	now := timeNow()
	if err := s.store.UpdateSiteState(ctx, site.ID, hash, text, now); err != nil {
		log.Error("updating site state failed",
			logx.Int64("site_id", site.ID),
			logx.Err(err))
	}

	if !changed {
		log.Debug("no change", logx.Int64("site_id", site.ID))
		return
	}
	if change.First {
		log.Info("baseline established",
			logx.Int64("site_id", site.ID),
			logx.String("site", site.Name))
	} else {
		log.Info("change detected",
			logx.Int64("site_id", site.ID),
			logx.String("site", site.Name),
			logx.Int("diff_len", len(change.Diff)))
	}
	if s.sink != nil {
		s.sink.ProcessChange(ctx, site, change)
	}
}

func (s *Service) recordFailure(ctx context.Context, site storage.Site, kind string, err error, log logx.Logger) {
	log.Warn("site check failed",
		logx.Int64("site_id", site.ID),
		logx.String("url", site.URL),
		logx.String("kind", kind),
		logx.Err(err))
	if rerr := s.store.RecordCheckError(ctx, storage.CheckError{
		SiteID:  site.ID,
		Kind:    kind,
		Message: err.Error(),
		At:      timeNow(),
	}); rerr != nil {
		log.Error("recording check error failed", logx.Err(rerr))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCheckFailed, Data: site.ID})
}

func fetchKind(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fetch.KindTimeout
	}
	return fetch.KindConnection
}

// interSiteDelay pauses a worker between sites so aggregate traffic stays
// unbursty. Returns false when the service stopped during the pause.
func (s *Service) interSiteDelay(stopCh <-chan struct{}) bool {
	s.mu.Lock()
	min, max := s.cfg.SiteDelayMin, s.cfg.SiteDelayMax
	s.mu.Unlock()
	if max < min {
		max = min
	}
	if max <= 0 {
		return true
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
