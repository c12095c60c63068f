// Package prefs holds per-user notification preferences and adjusts them from
// feedback.
package prefs

import (
	"context"
	"slices"
	"sync"

	"sitewatch/internal/classify"
	"sitewatch/internal/storage"
	logx "sitewatch/pkg/logx"
)

// Base relevance of an importance level before per-user weighting.
var baseImportance = map[string]float64{
	classify.ImportanceHigh:   1.0,
	classify.ImportanceMedium: 0.5,
	classify.ImportanceLow:    0.2,
}

const (
	weightMin = 0.1
	weightMax = 1.0
)

// Config are the scoring policy knobs. The zero value is replaced by the
// shipped defaults; they are policy, not correctness.
type Config struct {
	// NotifyThreshold is the minimum weighted score to deliver.
	NotifyThreshold float64
	// LikeRatioHigh/Low bound the dead zone: ratios between them never move
	// weights, which keeps ambiguous feedback from causing oscillation.
	LikeRatioHigh float64
	LikeRatioLow  float64
	// MinSamples is the feedback count a pattern needs before it can move
	// weights at all.
	MinSamples int
	// WeightStep is the per-adjustment weight delta.
	WeightStep float64
}

func (c Config) withDefaults() Config {
	if c.NotifyThreshold <= 0 {
		c.NotifyThreshold = 0.3
	}
	if c.LikeRatioHigh <= 0 {
		c.LikeRatioHigh = 0.7
	}
	if c.LikeRatioLow <= 0 {
		c.LikeRatioLow = 0.3
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.WeightStep <= 0 {
		c.WeightStep = 0.1
	}
	return c
}

const lockStripes = 64

// Model reads, scores against and updates user preferences.
//
// Feedback updates are read-modify-write; a striped per-user lock serializes
// them so concurrent feedback for one user cannot lose increments.
type Model struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	locks [lockStripes]sync.Mutex
}

func New(cfg Config, store storage.Store, log logx.Logger) *Model {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Model{cfg: cfg.withDefaults(), store: store, log: log}
}

func (m *Model) userLock(userID int64) *sync.Mutex {
	return &m.locks[uint64(userID)%lockStripes]
}

func defaults(userID int64) storage.Preferences {
	return storage.Preferences{
		UserID:     userID,
		Categories: []string{classify.CategoryContent, classify.CategoryDesign, classify.CategoryTechnical},
		Weights: map[string]float64{
			classify.CategoryContent:   1.0,
			classify.CategoryDesign:    0.7,
			classify.CategoryTechnical: 0.3,
		},
		Patterns:  map[string]storage.PatternStat{},
		Frequency: "immediate",
	}
}

// Get returns the user's preferences, creating and persisting defaults on
// first access.
func (m *Model) Get(ctx context.Context, userID int64) (storage.Preferences, error) {
	p, ok, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return storage.Preferences{}, err
	}
	if ok {
		return p, nil
	}

	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the lock; another goroutine may have created them.
	p, ok, err = m.store.GetPreferences(ctx, userID)
	if err != nil {
		return storage.Preferences{}, err
	}
	if ok {
		return p, nil
	}

	p = defaults(userID)
	if err := m.store.PutPreferences(ctx, p); err != nil {
		return storage.Preferences{}, err
	}
	m.log.Debug("created default preferences", logx.Int64("user_id", userID))
	return p, nil
}

// Score computes the weighted relevance of an analysis for the given
// preferences: base importance times the category weight. Unknown categories
// score with the minimum weight.
func (m *Model) Score(p storage.Preferences, category, importance string) float64 {
	w, ok := p.Weights[category]
	if !ok {
		w = weightMin
	}
	return baseImportance[importance] * w
}

// ShouldNotify decides whether an analysis clears the user's bar: the
// category must be in the preferred set and the weighted score must reach the
// threshold.
func (m *Model) ShouldNotify(ctx context.Context, userID int64, a classify.Analysis) (bool, float64, error) {
	p, err := m.Get(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if !slices.Contains(p.Categories, a.Category) {
		return false, 0, nil
	}
	score := m.Score(p, a.Category, a.Importance)
	return score >= m.cfg.NotifyThreshold, score, nil
}

// RecordFeedback applies one feedback event: the (category, importance)
// pattern counter is incremented and a weight-adjustment pass runs over all
// patterns. The whole update persists as a single logical write.
//
// Dismiss is recorded as a (weak) negative signal alongside dislike.
func (m *Model) RecordFeedback(ctx context.Context, userID int64, feedbackType, category, importance string) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	p, ok, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		p = defaults(userID)
	}
	if p.Patterns == nil {
		p.Patterns = map[string]storage.PatternStat{}
	}
	if p.Weights == nil {
		p.Weights = map[string]float64{}
	}

	key := storage.PatternKey(category, importance)
	stat := p.Patterns[key]
	switch feedbackType {
	case "like":
		stat.Likes++
	case "dislike", "dismiss":
		stat.Dislikes++
	default:
		m.log.Warn("unknown feedback type ignored",
			logx.Int64("user_id", userID),
			logx.String("type", feedbackType))
		return nil
	}
	p.Patterns[key] = stat

	m.adjustWeights(&p)

	if err := m.store.PutPreferences(ctx, p); err != nil {
		return err
	}
	m.log.Info("feedback recorded",
		logx.Int64("user_id", userID),
		logx.String("type", feedbackType),
		logx.String("pattern", key),
		logx.Float64("weight", p.Weights[category]))
	return nil
}

// adjustWeights runs one adjustment pass: every pattern with enough samples
// and a like-ratio outside the dead zone nudges its category's weight by one
// step, clamped to [0.1, 1.0].
func (m *Model) adjustWeights(p *storage.Preferences) {
	for key, stat := range p.Patterns {
		total := stat.Likes + stat.Dislikes
		if total < m.cfg.MinSamples {
			continue
		}
		category, _, ok := splitPatternKey(key)
		if !ok {
			continue
		}

		ratio := float64(stat.Likes) / float64(total)
		w, hasW := p.Weights[category]
		if !hasW {
			w = weightMin
		}
		switch {
		case ratio > m.cfg.LikeRatioHigh:
			w += m.cfg.WeightStep
		case ratio < m.cfg.LikeRatioLow:
			w -= m.cfg.WeightStep
		default:
			continue
		}
		p.Weights[category] = clamp(w, weightMin, weightMax)
	}
}

func splitPatternKey(key string) (category, importance string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
