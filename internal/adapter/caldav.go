package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"unical/internal/errs"
	"unical/internal/ical"
	"unical/internal/model"
)

// caldavTimeLayout is the UTC date-time form used in time-range filters.
const caldavTimeLayout = "20060102T150405Z"

// CalDAVAdapter issues a calendar-query REPORT against a CalDAV collection
// and expands the returned objects locally. Only reads; the source calendar
// is never modified.
type CalDAVAdapter struct {
	client *http.Client
}

// NewCalDAVAdapter constructs the CalDAV adapter.
func NewCalDAVAdapter(client *http.Client) *CalDAVAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &CalDAVAdapter{client: client}
}

func (a *CalDAVAdapter) Kind() model.SourceKind { return model.KindCalDAV }

// multistatus models the subset of a 207 Multi-Status response we read.
type multistatus struct {
	XMLName   xml.Name         `xml:"DAV: multistatus"`
	Responses []caldavResponse `xml:"DAV: response"`
}

type caldavResponse struct {
	Href      string           `xml:"DAV: href"`
	Propstats []caldavPropstat `xml:"DAV: propstat"`
}

type caldavPropstat struct {
	Prop caldavProp `xml:"DAV: prop"`
}

type caldavProp struct {
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// FetchEvents queries the collection for VEVENTs inside the window.
func (a *CalDAVAdapter) FetchEvents(ctx context.Context, src model.CalendarSource, creds Credentials, window Window) ([]RawEvent, error) {
	if src.URL == "" || creds.Username == "" {
		return nil, fmt.Errorf("caldav source needs URL and username: %w", errs.ErrConfigInvalid)
	}

	reportBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`,
		window.Start.UTC().Format(caldavTimeLayout),
		window.End.UTC().Format(caldavTimeLayout),
	)

	req, err := http.NewRequestWithContext(ctx, "REPORT", src.URL, strings.NewReader(reportBody))
	if err != nil {
		return nil, fmt.Errorf("caldav url %q: %w", src.URL, errs.ErrConfigInvalid)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("Depth", "1")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, false)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("multistatus parse: %v: %w", err, errs.ErrMalformedSource)
	}

	// Collect all VEVENTs first so overrides can pair with their series
	// regardless of which calendar object they arrived in.
	var parsed []ical.ParsedEvent
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			data := strings.TrimSpace(ps.Prop.CalendarData)
			if data == "" {
				continue
			}
			evs, _, perr := ical.Parse([]byte(data))
			if perr != nil {
				// One broken object does not poison the collection.
				continue
			}
			parsed = append(parsed, evs...)
		}
	}

	res, err := ical.Expand(parsed, ical.ExpandConfig{Window: ical.Window(window)})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedSource)
	}
	return occurrencesToRaw(res.Occurrences), nil
}
