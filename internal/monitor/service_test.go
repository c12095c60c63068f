package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/monitor/detect"
	"sitewatch/internal/monitor/fetch"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

type stubFetcher struct {
	mu   sync.Mutex
	body string
	err  error
}

func (f *stubFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return fetch.Result{}, f.err
	}
	return fetch.Result{Body: []byte(f.body), ContentType: "text/html; charset=utf-8", FinalURL: url}, nil
}

// blockingFetcher parks the first Fetch call until release is closed.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	body    string
	once    sync.Once
}

func (f *blockingFetcher) Fetch(_ context.Context, url string) (fetch.Result, error) {
	f.once.Do(func() { close(f.entered) })
	<-f.release
	return fetch.Result{Body: []byte(f.body), ContentType: "text/html; charset=utf-8", FinalURL: url}, nil
}

type captureSink struct {
	mu      sync.Mutex
	changes []detect.Change
}

func (s *captureSink) ProcessChange(_ context.Context, _ storage.Site, ch detect.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ch)
}

func (s *captureSink) snapshot() []detect.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]detect.Change(nil), s.changes...)
}

func page(text string) string {
	return "<html><body><p>" + text + "</p></body></html>"
}

func seedSite(t *testing.T, mem *storage.Memory, checkEvery time.Duration) int64 {
	t.Helper()
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, storage.User{ID: 100, Subscribed: true}); err != nil {
		t.Fatal(err)
	}
	id, err := mem.AddSite(ctx, storage.Site{
		OwnerID:    100,
		URL:        "https://example.com",
		Name:       "example.com",
		CheckEvery: checkEvery,
		Enabled:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFirstCheckEstablishesBaseline(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	siteID := seedSite(t, mem, time.Hour)
	fetcher := &stubFetcher{body: page(strings.Repeat("stable content ", 10))}
	sink := &captureSink{}

	svc := New(Config{Enabled: true, ScanEvery: time.Hour, Workers: 1},
		mem, fetcher, sink, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopService(t, svc)

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	ch := sink.snapshot()[0]
	if !ch.First {
		t.Error("first observation not marked as baseline")
	}
	if ch.Diff != "" {
		t.Errorf("baseline carries diff %q", ch.Diff)
	}

	site, err := mem.SiteByID(context.Background(), siteID)
	if err != nil {
		t.Fatal(err)
	}
	if site.LastHash == "" {
		t.Error("fingerprint not stored after first check")
	}
	if site.LastCheckedAt.IsZero() {
		t.Error("last checked timestamp not stored")
	}
}

func TestChangeDetectedOnRecheck(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	seedSite(t, mem, time.Millisecond)
	fetcher := &stubFetcher{body: page(strings.Repeat("the original text ", 10))}
	sink := &captureSink{}

	svc := New(Config{Enabled: true, ScanEvery: 50 * time.Millisecond, Workers: 1},
		mem, fetcher, sink, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopService(t, svc)

	waitFor(t, func() bool { return len(sink.snapshot()) >= 1 })
	fetcher.set(page(strings.Repeat("completely rewritten text ", 10)), nil)

	waitFor(t, func() bool {
		for _, ch := range sink.snapshot() {
			if !ch.First && ch.Diff != "" {
				return true
			}
		}
		return false
	})
}

func TestUnchangedContentEmitsNothing(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	siteID := seedSite(t, mem, time.Millisecond)
	fetcher := &stubFetcher{body: page(strings.Repeat("steady state content ", 10))}
	sink := &captureSink{}

	svc := New(Config{Enabled: true, ScanEvery: 30 * time.Millisecond, Workers: 1},
		mem, fetcher, sink, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopService(t, svc)

	// Let several re-checks happen.
	waitFor(t, func() bool {
		site, _ := mem.SiteByID(context.Background(), siteID)
		return !site.LastCheckedAt.IsZero()
	})
	time.Sleep(200 * time.Millisecond)

	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("unchanged content produced %d sink calls, want only the baseline", len(got))
	}
}

func TestFetchFailureIsRecordedAndNotFatal(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	seedSite(t, mem, time.Hour)
	fetcher := &stubFetcher{err: &fetch.Error{Kind: fetch.KindTimeout, URL: "https://example.com"}}
	sink := &captureSink{}

	svc := New(Config{Enabled: true, ScanEvery: time.Hour, Workers: 1},
		mem, fetcher, sink, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopService(t, svc)

	waitFor(t, func() bool { return len(mem.CheckErrors()) >= 1 })
	ce := mem.CheckErrors()[0]
	if ce.Kind != fetch.KindTimeout {
		t.Errorf("recorded kind = %q", ce.Kind)
	}
	if len(sink.snapshot()) != 0 {
		t.Error("failed check reached the sink")
	}
}

func TestStopLetsInFlightCheckComplete(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	siteID := seedSite(t, mem, time.Hour)
	fetcher := &blockingFetcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		body:    page(strings.Repeat("still perfectly healthy content ", 10)),
	}

	svc := New(Config{Enabled: true, ScanEvery: time.Hour, Workers: 1},
		mem, fetcher, &captureSink{}, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fetcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("check never started")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(fetcher.release)
	}()
	stopService(t, svc)

	if errs := mem.CheckErrors(); len(errs) != 0 {
		t.Fatalf("clean shutdown recorded check errors for a healthy site: %+v", errs)
	}
	site, err := mem.SiteByID(context.Background(), siteID)
	if err != nil {
		t.Fatal(err)
	}
	if site.LastHash == "" {
		t.Error("in-flight check did not complete during shutdown")
	}
}

func TestSelectorMissRecordedAsOwnKind(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, storage.User{ID: 100, Subscribed: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddSite(ctx, storage.Site{
		OwnerID:    100,
		URL:        "https://example.com",
		Name:       "example.com",
		Selector:   "#does-not-exist",
		CheckEvery: time.Hour,
		Enabled:    true,
	}); err != nil {
		t.Fatal(err)
	}
	fetcher := &stubFetcher{body: page(strings.Repeat("plenty of text, none of it inside the wanted element ", 5))}
	sink := &captureSink{}

	svc := New(Config{Enabled: true, ScanEvery: time.Hour, Workers: 1},
		mem, fetcher, sink, eventbus.New(), logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopService(t, svc)

	waitFor(t, func() bool { return len(mem.CheckErrors()) >= 1 })
	ce := mem.CheckErrors()[0]
	if ce.Kind != kindSelectorMiss {
		t.Errorf("recorded kind = %q, want %q", ce.Kind, kindSelectorMiss)
	}
	if len(sink.snapshot()) != 0 {
		t.Error("selector miss reached the sink")
	}
}

func TestInFlightGuardPreventsOverlap(t *testing.T) {
	t.Parallel()

	svc := New(Config{}, storage.NewMemory(), &stubFetcher{}, nil, eventbus.New(), logx.Nop())
	if !svc.markInFlight(7) {
		t.Fatal("first mark refused")
	}
	if svc.markInFlight(7) {
		t.Fatal("second mark accepted while in flight")
	}
	svc.clearInFlight(7)
	if !svc.markInFlight(7) {
		t.Fatal("mark refused after clear")
	}
}

func stopService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}
