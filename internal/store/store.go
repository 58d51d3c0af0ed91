// Package store is the SQLite-backed unified store: users, calendar sources,
// the per-source event sets produced by successful syncs, OAuth grants and
// sync-run history.
//
// Events for a source are mutated only through ReplaceEvents, which commits
// the whole new set in one transaction so feed readers observe either the
// fully-old or fully-new set.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"unical/internal/errs"
	"unical/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL UNIQUE,
	feed_token  TEXT NOT NULL UNIQUE,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS calendar_sources (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name                  TEXT NOT NULL,
	kind                  TEXT NOT NULL,
	url                   TEXT NOT NULL DEFAULT '',
	username              TEXT NOT NULL DEFAULT '',
	password              TEXT NOT NULL DEFAULT '',
	calendar_id           TEXT NOT NULL DEFAULT '',
	provider              TEXT NOT NULL DEFAULT '',
	masking               TEXT NOT NULL DEFAULT 'off',
	enabled               INTEGER NOT NULL DEFAULT 1,
	status                TEXT NOT NULL DEFAULT 'pending',
	last_sync_at          INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT NOT NULL DEFAULT '',
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	next_attempt_at       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	source_id     TEXT NOT NULL REFERENCES calendar_sources(id) ON DELETE CASCADE,
	uid           TEXT NOT NULL,
	instance_key  TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	all_day       INTEGER NOT NULL DEFAULT 0,
	start_utc     INTEGER NOT NULL,
	end_utc       INTEGER NOT NULL,
	tz_offset_sec INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, uid, instance_key)
);
CREATE INDEX IF NOT EXISTS idx_events_source_start ON events(source_id, start_utc);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	source_id      TEXT PRIMARY KEY REFERENCES calendar_sources(id) ON DELETE CASCADE,
	access_token   TEXT NOT NULL DEFAULT '',
	refresh_token  TEXT NOT NULL DEFAULT '',
	expiry         INTEGER NOT NULL DEFAULT 0,
	client_id      TEXT NOT NULL DEFAULT '',
	client_secret  TEXT NOT NULL DEFAULT '',
	token_url      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL REFERENCES calendar_sources(id) ON DELETE CASCADE,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	event_delta INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs(source_id, started_at);
`

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialize access through a single conn to
	// avoid SQLITE_BUSY under the sync worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	// A crash can leave rows stuck in syncing. No attempt owns them after a
	// restart, so hand them back to the scheduler.
	if _, err := db.Exec(`UPDATE calendar_sources SET status = ? WHERE status = ?`,
		string(model.StatusPending), string(model.StatusSyncing)); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// NewFeedToken returns a fresh 64-hex-char unguessable token.
func NewFeedToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(b[:])
}

// CreateUser inserts a user with a fresh feed token.
func (s *Store) CreateUser(ctx context.Context, username string) (model.User, error) {
	u := model.User{
		ID:        uuid.NewString(),
		Username:  username,
		FeedToken: NewFeedToken(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, feed_token, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.FeedToken, u.CreatedAt.Unix())
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

// UserByFeedToken resolves the feed token to its user.
func (s *Store) UserByFeedToken(ctx context.Context, token string) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, feed_token, created_at FROM users WHERE feed_token = ?`, token)
	return scanUser(row)
}

// UserByID fetches a user by ID.
func (s *Store) UserByID(ctx context.Context, id string) (model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, feed_token, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.FeedToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrNotFound
		}
		return model.User{}, err
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}

// RotateFeedToken replaces a user's feed token, invalidating the prior one
// immediately, and returns the new token.
func (s *Store) RotateFeedToken(ctx context.Context, userID string) (string, error) {
	token := NewFeedToken()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET feed_token = ? WHERE id = ?`, token, userID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", errs.ErrNotFound
	}
	return token, nil
}

const sourceColumns = `id, user_id, name, kind, url, username, password, calendar_id, provider,
	masking, enabled, status, last_sync_at, last_error, consecutive_failures, next_attempt_at`

// CreateSource inserts a source owned by a user. A zero ID is filled in.
func (s *Store) CreateSource(ctx context.Context, src *model.CalendarSource) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Masking == "" {
		src.Masking = model.MaskingOff
	}
	if src.Status == "" {
		src.Status = model.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_sources (`+sourceColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		src.ID, src.UserID, src.Name, string(src.Kind), src.URL, src.Username, src.Password,
		src.CalendarID, string(src.Provider), string(src.Masking), boolInt(src.Enabled),
		string(src.Status), unixOrZero(src.LastSyncAt), src.LastError,
		src.ConsecutiveFailures, unixOrZero(src.NextAttemptAt))
	return err
}

// UpdateSourceConfig persists the user-mutable configuration fields.
func (s *Store) UpdateSourceConfig(ctx context.Context, src model.CalendarSource) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE calendar_sources
SET name=?, url=?, username=?, password=?, calendar_id=?, provider=?, masking=?, enabled=?
WHERE id=?`,
		src.Name, src.URL, src.Username, src.Password, src.CalendarID,
		string(src.Provider), string(src.Masking), boolInt(src.Enabled), src.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SourceByID fetches one source.
func (s *Store) SourceByID(ctx context.Context, id string) (model.CalendarSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM calendar_sources WHERE id = ?`, id)
	return scanSource(row)
}

// SourcesForUser lists a user's sources ordered by name.
func (s *Store) SourcesForUser(ctx context.Context, userID string) ([]model.CalendarSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM calendar_sources WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// EnabledSources lists every enabled source across users; the scheduler
// scans this each tick so it carries no in-memory registry.
func (s *Store) EnabledSources(ctx context.Context) ([]model.CalendarSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM calendar_sources WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// DeleteSource removes a source and, through cascading foreign keys, its
// events, OAuth grant and run history in one transaction.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (model.CalendarSource, error) {
	var (
		src                          model.CalendarSource
		kind, provider, masking, st  string
		enabled                      int
		lastSync, nextAttempt        int64
	)
	err := row.Scan(&src.ID, &src.UserID, &src.Name, &kind, &src.URL, &src.Username,
		&src.Password, &src.CalendarID, &provider, &masking, &enabled, &st,
		&lastSync, &src.LastError, &src.ConsecutiveFailures, &nextAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CalendarSource{}, errs.ErrNotFound
		}
		return model.CalendarSource{}, err
	}
	src.Kind = model.SourceKind(kind)
	src.Provider = model.OAuthProvider(provider)
	src.Masking = model.MaskingPolicy(masking)
	src.Status = model.SyncStatus(st)
	src.Enabled = enabled != 0
	src.LastSyncAt = timeOrZero(lastSync)
	src.NextAttemptAt = timeOrZero(nextAttempt)
	return src, nil
}

func collectSources(rows *sql.Rows) ([]model.CalendarSource, error) {
	var out []model.CalendarSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SetSourceStatus records a pure status transition (syncing, pending).
func (s *Store) SetSourceStatus(ctx context.Context, id string, status model.SyncStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_sources SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// RecordSourceFailure moves a source to failed (or needs-reauth) with its
// error detail and backoff bookkeeping. Events stay untouched.
func (s *Store) RecordSourceFailure(ctx context.Context, id string, status model.SyncStatus, errMsg string, failures int, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE calendar_sources
SET status = ?, last_error = ?, consecutive_failures = ?, next_attempt_at = ?
WHERE id = ?`,
		string(status), errMsg, failures, unixOrZero(nextAttempt), id)
	return err
}

// ClearSourceReauth resets a needs-reauth source to pending after the user
// re-authorized it out of band.
func (s *Store) ClearSourceReauth(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE calendar_sources
SET status = ?, last_error = '', consecutive_failures = 0, next_attempt_at = 0
WHERE id = ? AND status = ?`,
		string(model.StatusPending), id, string(model.StatusNeedsReauth))
	return err
}

// ReplaceEvents commits the outcome of a successful sync in one transaction:
// stored occurrences absent from the new set are deleted, fetched occurrences
// are inserted or overwritten, and the source row is marked success with its
// failure counters reset. A failure anywhere rolls the whole commit back,
// leaving the prior event set fully intact.
//
// The returned delta counts inserts+updates+deletes; zero means the sync was
// a no-op.
func (s *Store) ReplaceEvents(ctx context.Context, sourceID string, events []model.Event, syncedAt time.Time) (delta int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	existing, err := eventsInTx(ctx, tx, sourceID)
	if err != nil {
		return 0, err
	}
	current := make(map[string]model.Event, len(existing))
	for _, ev := range existing {
		current[ev.Key()] = ev
	}

	fetched := make(map[string]struct{}, len(events))
	const upsert = `
INSERT INTO events (source_id, uid, instance_key, summary, description, location,
	all_day, start_utc, end_utc, tz_offset_sec, last_modified)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_id, uid, instance_key) DO UPDATE SET
	summary=excluded.summary, description=excluded.description,
	location=excluded.location, all_day=excluded.all_day,
	start_utc=excluded.start_utc, end_utc=excluded.end_utc,
	tz_offset_sec=excluded.tz_offset_sec, last_modified=excluded.last_modified`

	for _, ev := range events {
		fetched[ev.Key()] = struct{}{}
		if prev, ok := current[ev.Key()]; ok && eventsEqual(prev, ev) {
			continue
		}
		if _, err = tx.ExecContext(ctx, upsert,
			sourceID, ev.UID, ev.InstanceKey, ev.Summary, ev.Description, ev.Location,
			boolInt(ev.AllDay), ev.Start.Unix(), ev.End.Unix(), ev.TZOffsetSec,
			unixOrZero(ev.LastModified)); err != nil {
			return 0, err
		}
		delta++
	}

	for key, ev := range current {
		if _, ok := fetched[key]; ok {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE source_id=? AND uid=? AND instance_key=?`,
			sourceID, ev.UID, ev.InstanceKey); err != nil {
			return 0, err
		}
		delta++
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE calendar_sources
SET status=?, last_sync_at=?, last_error='', consecutive_failures=0, next_attempt_at=0
WHERE id=?`,
		string(model.StatusSuccess), syncedAt.Unix(), sourceID); err != nil {
		return 0, err
	}

	return delta, nil
}

// EventsForSource returns a source's current event set ordered by start.
func (s *Store) EventsForSource(ctx context.Context, sourceID string) ([]model.Event, error) {
	return eventsInTx(ctx, s.db, sourceID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func eventsInTx(ctx context.Context, q querier, sourceID string) ([]model.Event, error) {
	rows, err := q.QueryContext(ctx, `
SELECT source_id, uid, instance_key, summary, description, location,
	all_day, start_utc, end_utc, tz_offset_sec, last_modified
FROM events WHERE source_id = ? ORDER BY start_utc, uid, instance_key`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev                       model.Event
			allDay                   int
			start, end, lastModified int64
		)
		if err := rows.Scan(&ev.SourceID, &ev.UID, &ev.InstanceKey, &ev.Summary,
			&ev.Description, &ev.Location, &allDay, &start, &end,
			&ev.TZOffsetSec, &lastModified); err != nil {
			return nil, err
		}
		ev.AllDay = allDay != 0
		ev.Start = time.Unix(start, 0).UTC()
		ev.End = time.Unix(end, 0).UTC()
		ev.LastModified = timeOrZero(lastModified)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// OAuthTokenForSource loads the stored grant for an oauth-calendar source.
func (s *Store) OAuthTokenForSource(ctx context.Context, sourceID string) (model.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT source_id, access_token, refresh_token, expiry, client_id, client_secret, token_url
FROM oauth_tokens WHERE source_id = ?`, sourceID)

	var tok model.OAuthToken
	var expiry int64
	if err := row.Scan(&tok.SourceID, &tok.AccessToken, &tok.RefreshToken, &expiry,
		&tok.ClientID, &tok.ClientSecret, &tok.TokenURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OAuthToken{}, errs.ErrNotFound
		}
		return model.OAuthToken{}, err
	}
	tok.Expiry = timeOrZero(expiry)
	return tok, nil
}

// SaveOAuthToken inserts or replaces the grant for a source.
func (s *Store) SaveOAuthToken(ctx context.Context, tok model.OAuthToken) error {
	if tok.SourceID == "" {
		return fmt.Errorf("oauth token without source id: %w", errs.ErrConfigInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO oauth_tokens (source_id, access_token, refresh_token, expiry, client_id, client_secret, token_url)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(source_id) DO UPDATE SET
	access_token=excluded.access_token, refresh_token=excluded.refresh_token,
	expiry=excluded.expiry, client_id=excluded.client_id,
	client_secret=excluded.client_secret, token_url=excluded.token_url`,
		tok.SourceID, tok.AccessToken, tok.RefreshToken, unixOrZero(tok.Expiry),
		tok.ClientID, tok.ClientSecret, tok.TokenURL)
	return err
}

// RecordSyncRun appends one attempt to the run history.
func (s *Store) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_runs (id, source_id, started_at, finished_at, outcome, error, event_delta)
VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.SourceID, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		string(run.Outcome), run.Error, run.EventDelta)
	return err
}

// SyncRunsForSource returns the most recent runs, newest first.
func (s *Store) SyncRunsForSource(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_id, started_at, finished_at, outcome, error, event_delta
FROM sync_runs WHERE source_id = ? ORDER BY started_at DESC, id LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		var started, finished int64
		var outcome string
		if err := rows.Scan(&run.ID, &run.SourceID, &started, &finished,
			&outcome, &run.Error, &run.EventDelta); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(started, 0).UTC()
		run.FinishedAt = time.Unix(finished, 0).UTC()
		run.Outcome = model.SyncOutcome(outcome)
		out = append(out, run)
	}
	return out, rows.Err()
}

func eventsEqual(a, b model.Event) bool {
	return a.UID == b.UID && a.InstanceKey == b.InstanceKey &&
		a.Summary == b.Summary && a.Description == b.Description &&
		a.Location == b.Location && a.AllDay == b.AllDay &&
		a.Start.Equal(b.Start) && a.End.Equal(b.End) &&
		a.TZOffsetSec == b.TZOffsetSec && a.LastModified.Equal(b.LastModified)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
