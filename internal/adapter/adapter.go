// Package adapter defines the source adapter contract and one implementation
// per source kind (static ICS, CalDAV, OAuth calendar API).
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"unical/internal/errs"
	"unical/internal/ical"
	"unical/internal/model"
)

// Credentials are ready-to-use, already-decrypted credentials for one fetch.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

// Window is the time range a fetch covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// RawEvent is one occurrence as emitted by an adapter: already expanded and
// shaped, but not yet normalized or merged.
type RawEvent struct {
	UID         string
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool
	Start  time.Time
	End    time.Time

	TZOffsetSec  int
	LastModified time.Time
}

// Adapter fetches raw events for one source kind. Implementations must not
// mutate any persisted state; the return is the complete window's events or
// an error from the errs taxonomy.
type Adapter interface {
	Kind() model.SourceKind
	FetchEvents(ctx context.Context, src model.CalendarSource, creds Credentials, window Window) ([]RawEvent, error)
}

// Registry maps source kinds to their adapter.
type Registry map[model.SourceKind]Adapter

// NewRegistry builds the default registry over a shared HTTP client.
func NewRegistry(client *http.Client) Registry {
	return Registry{
		model.KindICS:           NewICSAdapter(client),
		model.KindCalDAV:        NewCalDAVAdapter(client),
		model.KindOAuthCalendar: NewOAuthAdapter(client),
	}
}

// For returns the adapter for a source kind.
func (r Registry) For(kind model.SourceKind) (Adapter, error) {
	a, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for source kind %q: %w", kind, errs.ErrConfigInvalid)
	}
	return a, nil
}

// classifyTransportErr maps transport-level failures onto the taxonomy.
// Timeouts and connection errors are transient.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("request aborted: %w", errs.ErrTransientNetwork)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%v: %w", netErr, errs.ErrTransientNetwork)
	}
	return fmt.Errorf("%v: %w", err, errs.ErrTransientNetwork)
}

// classifyStatus maps a non-2xx HTTP status onto the taxonomy. authExpired
// selects between auth-expired (token-based sources) and auth-invalid
// (password-based sources) for 401/403.
func classifyStatus(status int, authExpired bool) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if authExpired {
			return fmt.Errorf("http %d: %w", status, errs.ErrAuthExpired)
		}
		return fmt.Errorf("http %d: %w", status, errs.ErrAuthInvalid)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %w", status, errs.ErrRateLimited)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("http %d: %w", status, errs.ErrConfigInvalid)
	default:
		return fmt.Errorf("http %d: %w", status, errs.ErrTransientNetwork)
	}
}

// occurrencesToRaw converts expanded iCalendar occurrences to adapter output.
func occurrencesToRaw(occs []ical.Occurrence) []RawEvent {
	out := make([]RawEvent, 0, len(occs))
	for _, o := range occs {
		out = append(out, RawEvent{
			UID:          o.UID,
			InstanceKey:  o.InstanceKey,
			Summary:      o.Summary,
			Description:  o.Description,
			Location:     o.Location,
			AllDay:       o.AllDay,
			Start:        o.Start,
			End:          o.End,
			TZOffsetSec:  o.TZOffsetSec,
			LastModified: o.LastModified,
		})
	}
	return out
}
