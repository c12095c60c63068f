package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sitewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	maxStoredTextLen   = 100_000
	maxErrorMessageLen = 500
)

// truncateRunes caps s at max runes so a cut never splits a multibyte
// sequence; stored text must stay valid UTF-8 for the differ.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max])
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; one connection
	// gives the single-writer discipline the rest of the system assumes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Sites ----

func (s *sqliteStore) AddSite(ctx context.Context, site Site) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sites(owner_id, url, name, selector, check_every_s, enabled, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		site.OwnerID, site.URL, site.Name, site.Selector,
		int64(site.CheckEvery.Seconds()), boolInt(site.Enabled), time.Now().Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrSiteExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

const siteColumns = `id, owner_id, url, name, selector, last_hash, last_text, check_every_s, enabled, last_checked`

func scanSite(row interface{ Scan(...any) error }) (Site, error) {
	var (
		site        Site
		checkEveryS int64
		enabled     int
		lastChecked sql.NullInt64
	)
	err := row.Scan(&site.ID, &site.OwnerID, &site.URL, &site.Name, &site.Selector,
		&site.LastHash, &site.LastText, &checkEveryS, &enabled, &lastChecked)
	if err != nil {
		return Site{}, err
	}
	site.CheckEvery = time.Duration(checkEveryS) * time.Second
	site.Enabled = enabled != 0
	if lastChecked.Valid {
		site.LastCheckedAt = time.Unix(lastChecked.Int64, 0)
	}
	return site, nil
}

func (s *sqliteStore) SiteByID(ctx context.Context, id int64) (Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	return site, err
}

func (s *sqliteStore) SitesByOwner(ctx context.Context, ownerID int64) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE owner_id = ? AND enabled = 1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSite(ctx context.Context, ownerID, siteID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sites WHERE id = ? AND owner_id = ?`, siteID, ownerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DueSites(ctx context.Context, now time.Time) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites s
		 JOIN users u ON u.user_id = s.owner_id
		 WHERE u.subscribed = 1 AND s.enabled = 1
		   AND (s.last_checked IS NULL OR s.last_checked + s.check_every_s <= ?)
		 ORDER BY s.id`,
		now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateSiteState(ctx context.Context, siteID int64, hash, text string, checkedAt time.Time) error {
	text = truncateRunes(text, maxStoredTextLen)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sites SET last_hash = ?, last_text = ?, last_checked = ? WHERE id = ?`,
		hash, text, checkedAt.Unix(), siteID)
	return err
}

func (s *sqliteStore) RecordCheckError(ctx context.Context, e CheckError) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	msg := truncateRunes(e.Message, maxErrorMessageLen)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_errors(site_id, kind, message, created_at) VALUES(?,?,?,?)`,
		e.SiteID, e.Kind, msg, e.At.Unix())
	return err
}

// ---- Users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, first_name, subscribed, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET username=excluded.username, first_name=excluded.first_name`,
		u.ID, u.Username, u.FirstName, boolInt(u.Subscribed), time.Now().Unix())
	return err
}

func (s *sqliteStore) SetSubscribed(ctx context.Context, userID int64, subscribed bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET subscribed = ? WHERE user_id = ?`, boolInt(subscribed), userID)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, userID int64) (User, bool, error) {
	var (
		u          User
		subscribed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, first_name, subscribed FROM users WHERE user_id = ?`, userID).
		Scan(&u.ID, &u.Username, &u.FirstName, &subscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Subscribed = subscribed != 0
	return u, true, nil
}

// ---- Preferences ----

func (s *sqliteStore) GetPreferences(ctx context.Context, userID int64) (Preferences, bool, error) {
	var (
		categories string
		weightsJS  string
		patternsJS string
		frequency  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT categories, weights, patterns, frequency FROM preferences WHERE user_id = ?`, userID).
		Scan(&categories, &weightsJS, &patternsJS, &frequency)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, false, nil
	}
	if err != nil {
		return Preferences{}, false, err
	}

	p := Preferences{UserID: userID, Frequency: frequency}
	if categories != "" {
		p.Categories = strings.Split(categories, ",")
	}
	if err := json.Unmarshal([]byte(weightsJS), &p.Weights); err != nil {
		return Preferences{}, false, fmt.Errorf("decode weights: %w", err)
	}
	if err := json.Unmarshal([]byte(patternsJS), &p.Patterns); err != nil {
		return Preferences{}, false, fmt.Errorf("decode patterns: %w", err)
	}
	return p, true, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p Preferences) error {
	weightsJS, err := json.Marshal(p.Weights)
	if err != nil {
		return err
	}
	patterns := p.Patterns
	if patterns == nil {
		patterns = map[string]PatternStat{}
	}
	patternsJS, err := json.Marshal(patterns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, categories, weights, patterns, frequency, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   categories=excluded.categories, weights=excluded.weights,
		   patterns=excluded.patterns, frequency=excluded.frequency,
		   updated_at=excluded.updated_at`,
		p.UserID, strings.Join(p.Categories, ","), string(weightsJS), string(patternsJS),
		p.Frequency, time.Now().Unix())
	return err
}

// ---- Notification history / feedback ----

func (s *sqliteStore) RecordSent(ctx context.Context, r NotificationRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_history(notification_id, user_id, site_name, category, importance, sent_at, feedback_received)
		 VALUES(?,?,?,?,?,?,0)
		 ON CONFLICT(notification_id, user_id) DO NOTHING`,
		r.ID, r.UserID, r.SiteName, r.Category, r.Importance, r.SentAt.Unix())
	return err
}

func (s *sqliteStore) MarkFeedbackReceived(ctx context.Context, notificationID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_history SET feedback_received = 1
		 WHERE notification_id = ? AND user_id = ?`, notificationID, userID)
	return err
}

func (s *sqliteStore) LookupNotification(ctx context.Context, notificationID string, userID int64) (NotificationRecord, bool, error) {
	var (
		r       NotificationRecord
		sentAt  int64
		gotFeed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notification_id, user_id, site_name, category, importance, sent_at, feedback_received
		 FROM notification_history WHERE notification_id = ? AND user_id = ?`,
		notificationID, userID).
		Scan(&r.ID, &r.UserID, &r.SiteName, &r.Category, &r.Importance, &sentAt, &gotFeed)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRecord{}, false, nil
	}
	if err != nil {
		return NotificationRecord{}, false, err
	}
	r.SentAt = time.Unix(sentAt, 0)
	r.FeedbackReceived = gotFeed != 0
	return r, true, nil
}

func (s *sqliteStore) AppendFeedback(ctx context.Context, e FeedbackEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback(user_id, notification_id, feedback_type, category, importance, created_at)
		 VALUES(?,?,?,?,?,?)`,
		e.UserID, e.NotificationID, e.Type, e.Category, e.Importance, e.At.Unix())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
