// Package feed produces the unified, deterministic iCalendar document served
// to subscribers. It reads only already-persisted events and never touches
// the network, so feed requests stay fast regardless of source availability.
package feed

import (
	"context"
	"sort"

	ics "github.com/arran4/golang-ical"
	"go.uber.org/zap"

	"unical/internal/model"
)

const (
	productID    = "-//unical//Unified Calendar//EN"
	calendarName = "Unified Calendar"

	// maskedSummary replaces all detail of a busy-only source's events.
	maskedSummary = "Busy"
)

// Store is the generator's read-only view of persisted data.
type Store interface {
	UserByFeedToken(ctx context.Context, token string) (model.User, error)
	SourcesForUser(ctx context.Context, userID string) ([]model.CalendarSource, error)
	EventsForSource(ctx context.Context, sourceID string) ([]model.Event, error)
}

// Generator serializes a user's merged event set.
type Generator struct {
	store Store
	log   *zap.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(store Store, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{store: store, log: log}
}

// GenerateByToken authorizes the feed token and generates the user's feed.
func (g *Generator) GenerateByToken(ctx context.Context, token string) (string, error) {
	user, err := g.store.UserByFeedToken(ctx, token)
	if err != nil {
		return "", err
	}
	return g.Generate(ctx, user.ID)
}

// Generate builds the serialized feed for a user: events of all enabled
// sources, masked per source policy, merged into one stable order. Sources
// in failed or needs-reauth state contribute their last successful event set
// (stale beats empty); a user with no synced events still gets a valid,
// empty calendar. Unchanged input produces byte-identical output.
func (g *Generator) Generate(ctx context.Context, userID string) (string, error) {
	sources, err := g.store.SourcesForUser(ctx, userID)
	if err != nil {
		return "", err
	}

	var events []model.Event
	maskBySource := make(map[string]model.MaskingPolicy)
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		maskBySource[src.ID] = src.Masking
		evs, err := g.store.EventsForSource(ctx, src.ID)
		if err != nil {
			return "", err
		}
		events = append(events, evs...)
	}

	// Stable ordering: start, then source, then occurrence identity.
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.Key() < b.Key()
	})

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)
	cal.SetCalscale("GREGORIAN")
	cal.SetXWRCalName(calendarName)

	for _, ev := range events {
		masked := Mask(ev, maskBySource[ev.SourceID])
		addVEvent(cal, masked)
	}

	return cal.Serialize(), nil
}

// Mask applies a source's masking policy to one event. Under busy-only the
// result carries a fixed placeholder title, no description or location, and
// the unmodified time range; no original field leaks through any other.
func Mask(ev model.Event, policy model.MaskingPolicy) model.Event {
	if policy != model.MaskingBusyOnly {
		return ev
	}
	ev.Summary = maskedSummary
	ev.Description = ""
	ev.Location = ""
	return ev
}

func addVEvent(cal *ics.Calendar, ev model.Event) {
	ve := cal.AddEvent(ev.Key() + "@unical")

	// DTSTAMP from the stored change marker, never the wall clock, so
	// regenerating an unchanged feed is byte-stable.
	stamp := ev.LastModified
	if stamp.IsZero() {
		stamp = ev.Start
	}
	ve.SetDtStampTime(stamp.UTC())

	if ev.AllDay {
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	} else {
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}

	summary := ev.Summary
	if summary == "" {
		summary = "Untitled Event"
	}
	ve.SetSummary(summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}

	// Subscribed clients should treat every entry as busy time.
	ve.SetTimeTransparency(ics.TransparencyOpaque)
}
