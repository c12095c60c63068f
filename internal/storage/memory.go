package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and dry runs;
// nothing survives a restart.
type Memory struct {
	mu sync.Mutex

	nextSiteID int64
	sites      map[int64]Site
	users      map[int64]User
	prefs      map[int64]Preferences
	sent       map[string]NotificationRecord // key: id + "|" + userID string form
	feedback   []FeedbackEntry
	checkErrs  []CheckError
}

func NewMemory() *Memory {
	return &Memory{
		nextSiteID: 1,
		sites:      make(map[int64]Site),
		users:      make(map[int64]User),
		prefs:      make(map[int64]Preferences),
		sent:       make(map[string]NotificationRecord),
	}
}

func sentKey(notificationID string, userID int64) string {
	return notificationID + "|" + strconv.FormatInt(userID, 10)
}

func (m *Memory) AddSite(_ context.Context, s Site) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sites {
		if existing.OwnerID == s.OwnerID && existing.URL == s.URL {
			return 0, ErrSiteExists
		}
	}
	s.ID = m.nextSiteID
	m.nextSiteID++
	m.sites[s.ID] = s
	return s.ID, nil
}

func (m *Memory) SiteByID(_ context.Context, id int64) (Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		return Site{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SitesByOwner(_ context.Context, ownerID int64) ([]Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Site
	for id := int64(1); id < m.nextSiteID; id++ {
		s, ok := m.sites[id]
		if ok && s.OwnerID == ownerID && s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSite(_ context.Context, ownerID, siteID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[siteID]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	delete(m.sites, siteID)
	return true, nil
}

func (m *Memory) DueSites(_ context.Context, now time.Time) ([]Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Site
	for id := int64(1); id < m.nextSiteID; id++ {
		s, ok := m.sites[id]
		if !ok || !s.Enabled {
			continue
		}
		if u, ok := m.users[s.OwnerID]; !ok || !u.Subscribed {
			continue
		}
		if s.LastCheckedAt.IsZero() || !s.LastCheckedAt.Add(s.CheckEvery).After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSiteState(_ context.Context, siteID int64, hash, text string, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[siteID]
	if !ok {
		return ErrNotFound
	}
	text = truncateRunes(text, maxStoredTextLen)
	s.LastHash = hash
	s.LastText = text
	s.LastCheckedAt = checkedAt
	m.sites[siteID] = s
	return nil
}

func (m *Memory) RecordCheckError(_ context.Context, e CheckError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Message = truncateRunes(e.Message, maxErrorMessageLen)
	m.checkErrs = append(m.checkErrs, e)
	return nil
}

// CheckErrors returns a copy of recorded check failures, oldest first.
func (m *Memory) CheckErrors() []CheckError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckError, len(m.checkErrs))
	copy(out, m.checkErrs)
	return out
}

func (m *Memory) UpsertUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		existing.Username = u.Username
		existing.FirstName = u.FirstName
		m.users[u.ID] = existing
		return nil
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SetSubscribed(_ context.Context, userID int64, subscribed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	u.Subscribed = subscribed
	m.users[userID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, userID int64) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return u, ok, nil
}

func (m *Memory) GetPreferences(_ context.Context, userID int64) (Preferences, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	if !ok {
		return Preferences{}, false, nil
	}
	return clonePreferences(p), true, nil
}

func (m *Memory) PutPreferences(_ context.Context, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = clonePreferences(p)
	return nil
}

func clonePreferences(p Preferences) Preferences {
	out := p
	out.Categories = append([]string(nil), p.Categories...)
	out.Weights = make(map[string]float64, len(p.Weights))
	for k, v := range p.Weights {
		out.Weights[k] = v
	}
	out.Patterns = make(map[string]PatternStat, len(p.Patterns))
	for k, v := range p.Patterns {
		out.Patterns[k] = v
	}
	return out
}

func (m *Memory) RecordSent(_ context.Context, r NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	key := sentKey(r.ID, r.UserID)
	if _, ok := m.sent[key]; ok {
		return nil
	}
	m.sent[key] = r
	return nil
}

func (m *Memory) MarkFeedbackReceived(_ context.Context, notificationID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sentKey(notificationID, userID)
	r, ok := m.sent[key]
	if !ok {
		return nil
	}
	r.FeedbackReceived = true
	m.sent[key] = r
	return nil
}

func (m *Memory) LookupNotification(_ context.Context, notificationID string, userID int64) (NotificationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sent[sentKey(notificationID, userID)]
	return r, ok, nil
}

func (m *Memory) AppendFeedback(_ context.Context, e FeedbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.feedback = append(m.feedback, e)
	return nil
}

// Feedback returns a copy of appended feedback entries, oldest first.
func (m *Memory) Feedback() []FeedbackEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FeedbackEntry, len(m.feedback))
	copy(out, m.feedback)
	return out
}

func (m *Memory) Close() error { return nil }
