package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"unical/internal/errs"
	"unical/internal/model"
)

// Default API roots when the source does not override them (tests do).
const (
	googleAPIBase    = "https://www.googleapis.com/calendar/v3"
	microsoftAPIBase = "https://graph.microsoft.com/v1.0"
)

const oauthPageSize = 250

// OAuthAdapter fetches events from a token-authorized calendar API. It
// understands the Google and Microsoft Graph wire shapes, selected by the
// source's Provider field. Pagination cursors are adapter-internal: the
// final return is the complete window's events or an error, never a partial
// page set.
type OAuthAdapter struct {
	client *http.Client
}

// NewOAuthAdapter constructs the OAuth calendar adapter.
func NewOAuthAdapter(client *http.Client) *OAuthAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthAdapter{client: client}
}

func (a *OAuthAdapter) Kind() model.SourceKind { return model.KindOAuthCalendar }

// FetchEvents pages through the provider API until the window is complete.
func (a *OAuthAdapter) FetchEvents(ctx context.Context, src model.CalendarSource, creds Credentials, window Window) ([]RawEvent, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("oauth source has no access token: %w", errs.ErrAuthExpired)
	}

	switch src.Provider {
	case model.ProviderGoogle, "":
		return a.fetchGoogle(ctx, src, creds, window)
	case model.ProviderMicrosoft:
		return a.fetchMicrosoft(ctx, src, creds, window)
	default:
		return nil, fmt.Errorf("unknown oauth provider %q: %w", src.Provider, errs.ErrConfigInvalid)
	}
}

// googleEventsPage is one page of the Google events list response.
type googleEventsPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

type googleEvent struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
	Updated     string          `json:"updated"`
}

type googleEventTime struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
}

func (a *OAuthAdapter) fetchGoogle(ctx context.Context, src model.CalendarSource, creds Credentials, window Window) ([]RawEvent, error) {
	base := src.URL
	if base == "" {
		base = googleAPIBase
	}
	calendarID := src.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	var out []RawEvent
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeMin", window.Start.UTC().Format(time.RFC3339))
		q.Set("timeMax", window.End.UTC().Format(time.RFC3339))
		q.Set("maxResults", fmt.Sprint(oauthPageSize))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", base, url.PathEscape(calendarID), q.Encode())
		var page googleEventsPage
		if err := a.getJSON(ctx, endpoint, creds.AccessToken, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, ok := googleToRaw(item)
			if !ok {
				continue
			}
			out = append(out, ev)
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func googleToRaw(item googleEvent) (RawEvent, bool) {
	if item.ID == "" {
		return RawEvent{}, false
	}

	allDay := item.Start.Date != ""
	var start, end time.Time
	var err error
	if allDay {
		start, err = time.ParseInLocation("2006-01-02", item.Start.Date, time.UTC)
		if err != nil {
			return RawEvent{}, false
		}
		end, err = time.ParseInLocation("2006-01-02", item.End.Date, time.UTC)
		if err != nil {
			end = start.Add(24 * time.Hour)
		}
	} else {
		start, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return RawEvent{}, false
		}
		end, err = time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			end = start.Add(time.Hour)
		}
	}

	var lastMod time.Time
	if item.Updated != "" {
		lastMod, _ = time.Parse(time.RFC3339, item.Updated)
	}

	_, offset := start.Zone()
	return RawEvent{
		UID:          item.ID,
		Summary:      item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		AllDay:       allDay,
		Start:        start,
		End:          end,
		TZOffsetSec:  offset,
		LastModified: lastMod,
	}, true
}

// microsoftEventsPage is one page of a Graph events list response.
type microsoftEventsPage struct {
	Value    []microsoftEvent `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

type microsoftEvent struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	IsAllDay bool   `json:"isAllDay"`
	Body     struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start                microsoftEventTime `json:"start"`
	End                  microsoftEventTime `json:"end"`
	LastModifiedDateTime string             `json:"lastModifiedDateTime"`
	IsCancelled          bool               `json:"isCancelled"`
}

type microsoftEventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (a *OAuthAdapter) fetchMicrosoft(ctx context.Context, src model.CalendarSource, creds Credentials, window Window) ([]RawEvent, error) {
	base := src.URL
	if base == "" {
		base = microsoftAPIBase
	}

	var endpoint string
	if src.CalendarID != "" {
		endpoint = fmt.Sprintf("%s/me/calendars/%s/events", base, url.PathEscape(src.CalendarID))
	} else {
		endpoint = base + "/me/calendar/events"
	}
	q := url.Values{}
	q.Set("$top", fmt.Sprint(oauthPageSize))
	q.Set("$filter", fmt.Sprintf("start/dateTime ge '%s' and start/dateTime le '%s'",
		window.Start.UTC().Format("2006-01-02T15:04:05"),
		window.End.UTC().Format("2006-01-02T15:04:05")))
	endpoint = endpoint + "?" + q.Encode()

	var out []RawEvent
	for endpoint != "" {
		var page microsoftEventsPage
		if err := a.getJSON(ctx, endpoint, creds.AccessToken, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Value {
			if item.IsCancelled {
				continue
			}
			ev, ok := microsoftToRaw(item)
			if !ok {
				continue
			}
			out = append(out, ev)
		}
		endpoint = page.NextLink
	}
	return out, nil
}

func microsoftToRaw(item microsoftEvent) (RawEvent, bool) {
	if item.ID == "" {
		return RawEvent{}, false
	}

	start, err := parseGraphTime(item.Start)
	if err != nil {
		return RawEvent{}, false
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		end = start.Add(time.Hour)
	}

	description := ""
	if item.Body.ContentType == "text" {
		description = item.Body.Content
	}

	var lastMod time.Time
	if item.LastModifiedDateTime != "" {
		lastMod, _ = time.Parse(time.RFC3339, item.LastModifiedDateTime)
	}

	_, offset := start.Zone()
	return RawEvent{
		UID:          item.ID,
		Summary:      item.Subject,
		Description:  description,
		Location:     item.Location.DisplayName,
		AllDay:       item.IsAllDay,
		Start:        start,
		End:          end,
		TZOffsetSec:  offset,
		LastModified: lastMod,
	}, true
}

// parseGraphTime handles Graph's fractional-second local form plus the
// timeZone field. Unknown zones fall back to UTC.
func parseGraphTime(t microsoftEventTime) (time.Time, error) {
	v := t.DateTime
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	loc := time.UTC
	if t.TimeZone != "" && t.TimeZone != "UTC" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation("2006-01-02T15:04:05", v, loc)
}

// getJSON issues an authorized GET and decodes the response, mapping HTTP
// failures onto the error taxonomy (401 on a token API means auth-expired).
func (a *OAuthAdapter) getJSON(ctx context.Context, endpoint, accessToken string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("oauth endpoint %q: %w", endpoint, errs.ErrConfigInvalid)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, true)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportErr(err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrMalformedSource)
	}
	return nil
}
