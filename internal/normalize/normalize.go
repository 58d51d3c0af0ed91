// Package normalize converts adapter output into canonical events.
package normalize

import (
	"time"

	"unical/internal/adapter"
	"unical/internal/model"
)

// Events converts raw adapter events for one source into canonical events:
//
//   - instants stored in UTC, with the source's display offset preserved;
//   - all-day events reduced to date-only midnight-UTC spans with an
//     end-exclusive end date (the end date is the first day NOT included);
//   - duplicate occurrence identities collapsed, last-write-wins by the
//     source-reported last-modified marker.
//
// It is a pure function; the input is not modified.
func Events(sourceID string, raw []adapter.RawEvent) []model.Event {
	byKey := make(map[string]model.Event, len(raw))
	order := make([]string, 0, len(raw))

	for _, r := range raw {
		if r.UID == "" {
			continue
		}

		ev := model.Event{
			SourceID:     sourceID,
			UID:          r.UID,
			InstanceKey:  r.InstanceKey,
			Summary:      r.Summary,
			Description:  r.Description,
			Location:     r.Location,
			AllDay:       r.AllDay,
			TZOffsetSec:  r.TZOffsetSec,
			LastModified: r.LastModified.UTC(),
		}

		if r.AllDay {
			ev.Start = dateOnly(r.Start)
			end := dateOnly(r.End)
			if !end.After(ev.Start) {
				end = ev.Start.Add(24 * time.Hour)
			}
			ev.End = end
			ev.TZOffsetSec = 0
		} else {
			ev.Start = r.Start.UTC()
			ev.End = r.End.UTC()
			if !ev.End.After(ev.Start) {
				ev.End = ev.Start.Add(time.Hour)
			}
		}

		key := ev.Key()
		if prev, ok := byKey[key]; ok {
			// Adapter emitted this identity more than once; keep the
			// newer write.
			if !ev.LastModified.After(prev.LastModified) {
				continue
			}
		} else {
			order = append(order, key)
		}
		byKey[key] = ev
	}

	out := make([]model.Event, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// dateOnly truncates an instant to its calendar date at midnight UTC.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
