package monitor

import (
	"context"
	"time"

	"sitewatch/internal/monitor/detect"
	"sitewatch/internal/monitor/fetch"
	"sitewatch/internal/storage"
)

// Config controls the periodic check scheduler.
type Config struct {
	Enabled   bool
	ScanEvery time.Duration // default 10m
	Workers   int           // default 4

	// CheckEvery is the default per-site interval for newly added sites; the
	// scheduler itself only honors what the store reports as due.
	CheckEvery time.Duration // default 10m

	// SiteDelayMin/Max bound the randomized pause a worker takes between
	// consecutive sites. Zero max disables the pause (tests).
	SiteDelayMin time.Duration
	SiteDelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanEvery <= 0 {
		c.ScanEvery = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = 10 * time.Minute
	}
	return c
}

// Sink receives detected changes. Baseline observations arrive with
// Change.First set; sinks decide what to do with them.
type Sink interface {
	ProcessChange(ctx context.Context, site storage.Site, ch detect.Change)
}

// Fetcher downloads one page. Satisfied by fetch.Fetcher; swapped for stubs
// in tests.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
}
