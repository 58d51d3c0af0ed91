// Package model defines the domain entities shared by the store, the sync
// orchestrator and the feed generator.
package model

import "time"

// SourceKind selects the adapter used to fetch a source's events.
type SourceKind string

const (
	KindOAuthCalendar SourceKind = "oauth-calendar"
	KindCalDAV        SourceKind = "caldav"
	KindICS           SourceKind = "ics"
)

// OAuthProvider selects the wire shape of an oauth-calendar source.
type OAuthProvider string

const (
	ProviderGoogle    OAuthProvider = "google"
	ProviderMicrosoft OAuthProvider = "microsoft"
)

// SyncStatus is the persisted lifecycle state of a CalendarSource.
type SyncStatus string

const (
	StatusPending     SyncStatus = "pending"
	StatusSyncing     SyncStatus = "syncing"
	StatusSuccess     SyncStatus = "success"
	StatusFailed      SyncStatus = "failed"
	StatusNeedsReauth SyncStatus = "needs-reauth"
)

// MaskingPolicy controls how a source's events appear in the published feed.
type MaskingPolicy string

const (
	MaskingOff      MaskingPolicy = "off"
	MaskingBusyOnly MaskingPolicy = "busy-only"
)

// User owns calendar sources and exactly one feed token at any time.
type User struct {
	ID        string
	Username  string
	FeedToken string
	CreatedAt time.Time
}

// CalendarSource is one configured origin of events.
//
// Configuration fields are mutated by the user; status fields
// (Status, LastSyncAt, LastError, ConsecutiveFailures, NextAttemptAt)
// only by the orchestrator.
type CalendarSource struct {
	ID     string
	UserID string
	Name   string
	Kind   SourceKind

	// URL is the ICS feed URL, the CalDAV collection URL, or the base URL
	// of the OAuth calendar API depending on Kind.
	URL        string
	Username   string
	Password   string
	CalendarID string
	Provider   OAuthProvider

	Masking MaskingPolicy
	Enabled bool

	Status              SyncStatus
	LastSyncAt          time.Time
	LastError           string
	ConsecutiveFailures int
	NextAttemptAt       time.Time
}

// Event is one concrete occurrence after normalization. Start/End are stored
// in UTC; TZOffsetSec preserves the source's original display offset.
type Event struct {
	SourceID string

	// UID plus InstanceKey form the occurrence identity, unique within a
	// source and used for idempotent upsert. InstanceKey is empty for
	// non-recurring events.
	UID         string
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay      bool
	Start       time.Time
	End         time.Time
	TZOffsetSec int

	// LastModified is the source-reported change marker, used to tell a
	// no-op re-sync from a changed one.
	LastModified time.Time
}

// Key returns the occurrence identity within the event's source.
func (e Event) Key() string {
	if e.InstanceKey == "" {
		return e.UID
	}
	return e.UID + "/" + e.InstanceKey
}

// OAuthToken is the stored grant for one oauth-calendar source. Values are
// already decrypted; at-rest encryption is an external responsibility.
type OAuthToken struct {
	SourceID     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	// Client registration plus token endpoint used for refresh. TokenURL
	// is configurable so tests can point refresh at a local server.
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// SyncOutcome is the terminal result of one sync attempt.
type SyncOutcome string

const (
	OutcomeSuccess     SyncOutcome = "success"
	OutcomeNoop        SyncOutcome = "noop"
	OutcomeFailed      SyncOutcome = "failed"
	OutcomeNeedsReauth SyncOutcome = "needs-reauth"
)

// SyncRun records one orchestration attempt for one source. It exists for
// observability; the feed never depends on it.
type SyncRun struct {
	ID         string
	SourceID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    SyncOutcome
	Error      string

	// EventDelta is inserted+updated+deleted rows of the commit, zero for
	// a no-op pass.
	EventDelta int
}
