package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"unical/internal/errs"
	"unical/internal/ical"
	"unical/internal/model"
)

const icsUserAgent = "unical/1.0"

// ICSAdapter fetches a static ICS/webcal feed over HTTP and expands its
// recurrences locally.
type ICSAdapter struct {
	client *http.Client
}

// NewICSAdapter constructs the static-feed adapter.
func NewICSAdapter(client *http.Client) *ICSAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &ICSAdapter{client: client}
}

func (a *ICSAdapter) Kind() model.SourceKind { return model.KindICS }

// FetchEvents downloads the feed and expands it into the window.
func (a *ICSAdapter) FetchEvents(ctx context.Context, src model.CalendarSource, _ Credentials, window Window) ([]RawEvent, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("ics source has no URL: %w", errs.ErrConfigInvalid)
	}

	url := NormalizeICSURL(src.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ics url %q: %w", url, errs.ErrConfigInvalid)
	}
	req.Header.Set("User-Agent", icsUserAgent)
	req.Header.Set("Accept", "text/calendar, */*")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, false)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	parsed, _, err := ical.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedSource)
	}

	res, err := ical.Expand(parsed, ical.ExpandConfig{Window: ical.Window(window)})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedSource)
	}
	return occurrencesToRaw(res.Occurrences), nil
}

// NormalizeICSURL rewrites webcal:// and webcals:// schemes to https so the
// feed can be fetched with a plain HTTP client.
func NormalizeICSURL(url string) string {
	switch {
	case strings.HasPrefix(url, "webcal://"):
		return "https://" + strings.TrimPrefix(url, "webcal://")
	case strings.HasPrefix(url, "webcals://"):
		return "https://" + strings.TrimPrefix(url, "webcals://")
	default:
		return url
	}
}
