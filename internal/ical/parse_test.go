package ical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func calendarWith(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n")
	for _, ev := range events {
		b.WriteString(ev)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func TestParse_SingleTimedEvent(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n" +
			"UID:ev-1\r\n" +
			"DTSTAMP:20250110T120000Z\r\n" +
			"DTSTART:20250115T090000Z\r\n" +
			"DTEND:20250115T100000Z\r\n" +
			"SUMMARY:Standup\r\n" +
			"DESCRIPTION:Daily sync\r\n" +
			"LOCATION:Room 4\r\n" +
			"END:VEVENT\r\n")

	events, skipped, err := Parse(body)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, "ev-1", ev.UID)
	require.Equal(t, "Standup", ev.Summary)
	require.Equal(t, "Daily sync", ev.Description)
	require.Equal(t, "Room 4", ev.Location)
	require.False(t, ev.AllDay)
	require.Equal(t, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), ev.Start.UTC())
	require.Equal(t, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), ev.End.UTC())
	// LAST-MODIFIED absent, DTSTAMP is the fallback.
	require.Equal(t, time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC), ev.LastModified)
}

func TestParse_AllDayEvent(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n" +
			"UID:ev-allday\r\n" +
			"DTSTART;VALUE=DATE:20250301\r\n" +
			"DTEND;VALUE=DATE:20250302\r\n" +
			"SUMMARY:Holiday\r\n" +
			"END:VEVENT\r\n")

	events, skipped, err := Parse(body)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, events, 1)
	require.True(t, events[0].AllDay)
}

func TestParse_MissingDTENDDefaultsOneHour(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n" +
			"UID:ev-noend\r\n" +
			"DTSTART:20250115T090000Z\r\n" +
			"SUMMARY:Open ended\r\n" +
			"END:VEVENT\r\n")

	events, _, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, time.Hour, events[0].End.Sub(events[0].Start))
}

func TestParse_MissingUIDSkipsEvent(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n"+
			"DTSTART:20250115T090000Z\r\n"+
			"SUMMARY:No identity\r\n"+
			"END:VEVENT\r\n",
		"BEGIN:VEVENT\r\n"+
			"UID:ev-ok\r\n"+
			"DTSTART:20250116T090000Z\r\n"+
			"SUMMARY:Fine\r\n"+
			"END:VEVENT\r\n")

	events, skipped, err := Parse(body)
	require.NoError(t, err)
	require.Equal(t, 1, skipped)
	require.Len(t, events, 1)
	require.Equal(t, "ev-ok", events[0].UID)
}

func TestParse_RecurrenceFields(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n" +
			"UID:ev-rec\r\n" +
			"DTSTART:20250106T100000Z\r\n" +
			"DTEND:20250106T110000Z\r\n" +
			"RRULE:FREQ=WEEKLY;BYDAY=MO\r\n" +
			"EXDATE:20250113T100000Z\r\n" +
			"SUMMARY:Weekly\r\n" +
			"END:VEVENT\r\n")

	events, _, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "FREQ=WEEKLY;BYDAY=MO", events[0].RawRRule)
	require.Len(t, events[0].ExDates, 1)
	require.Equal(t, time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC), events[0].ExDates[0].UTC())
}

func TestParse_RecurrenceIDMarksOverride(t *testing.T) {
	body := calendarWith(
		"BEGIN:VEVENT\r\n" +
			"UID:ev-rec\r\n" +
			"RECURRENCE-ID:20250120T100000Z\r\n" +
			"DTSTART:20250120T140000Z\r\n" +
			"DTEND:20250120T150000Z\r\n" +
			"SUMMARY:Moved\r\n" +
			"END:VEVENT\r\n")

	events, _, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].IsOverride)
	require.NotNil(t, events[0].Recurrence)
	require.Equal(t, time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC), events[0].Recurrence.UTC())
}

func TestParse_GarbageBody(t *testing.T) {
	_, _, err := Parse([]byte("this is not a calendar"))
	require.Error(t, err)

	_, _, err = Parse(nil)
	require.Error(t, err)
}
