package bot

import (
	"sync/atomic"

	"sitewatch/internal/eventbus"
)

// stats aggregates pipeline events for /status output. Counters reset on
// restart; they describe the current process, not history.
type stats struct {
	changed  atomic.Uint64
	failed   atomic.Uint64
	sent     atomic.Uint64
	filtered atomic.Uint64
	feedback atomic.Uint64
}

func newStats() *stats { return &stats{} }

// consume drains a bus subscription until the channel closes.
func (st *stats) consume(events <-chan eventbus.Event) {
	for e := range events {
		switch e.Type {
		case eventbus.TypeCheckChanged:
			st.changed.Add(1)
		case eventbus.TypeCheckFailed:
			st.failed.Add(1)
		case eventbus.TypeNotifySent:
			st.sent.Add(1)
		case eventbus.TypeNotifyFiltered:
			st.filtered.Add(1)
		case eventbus.TypeFeedback:
			st.feedback.Add(1)
		}
	}
}

type statsSnapshot struct {
	changed  uint64
	failed   uint64
	sent     uint64
	filtered uint64
	feedback uint64
}

func (st *stats) snapshot() statsSnapshot {
	return statsSnapshot{
		changed:  st.changed.Load(),
		failed:   st.failed.Load(),
		sent:     st.sent.Load(),
		filtered: st.filtered.Load(),
		feedback: st.feedback.Load(),
	}
}
