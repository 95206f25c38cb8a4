package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

func losAngeles(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	return loc
}

func entry(id int, typeCode string, start, end time.Time, hours float64) psa.ScheduleEntry {
	return psa.ScheduleEntry{
		ID:        id,
		Type:      psa.CodeRef{Identifier: typeCode},
		DateStart: start,
		DateEnd:   end,
		Hours:     hours,
	}
}

func TestBuildOccupancy_TimedEntryLocalized(t *testing.T) {
	loc := losAngeles(t)

	// 16:00 UTC on July 12 is 09:00 in Los Angeles.
	start := time.Date(2017, 7, 12, 16, 0, 0, 0, time.UTC)
	e := entry(42, psa.TypeSchedule, start, start.Add(2*time.Hour), 2)
	e.ObjectID = 339429

	occ, err := BuildOccupancy([]psa.ScheduleEntry{e}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}

	b, ok := occ["2017-07-12"]
	if !ok {
		t.Fatalf("expected bucket for 2017-07-12, got days %v", occ.Days())
	}
	if b.Hours != 2 {
		t.Errorf("expected 2 hours, got %v", b.Hours)
	}
	if len(b.Tickets) != 1 || b.Tickets[0] != 339429 {
		t.Errorf("expected ticket 339429 recorded, got %v", b.Tickets)
	}

	// Slots land on exact quarter-hour boundaries in the run timezone.
	if len(b.Times) != 8 {
		t.Fatalf("expected 8 slots for 2 hours, got %d: %v", len(b.Times), b.Times)
	}
	for _, want := range []string{"09:00", "09:15", "10:30", "10:45"} {
		if got, ok := b.Times[want]; !ok || got != 42 {
			t.Errorf("slot %s: want occupant 42, got %v (present=%v)", want, got, ok)
		}
	}
	if _, ok := b.Times["11:00"]; ok {
		t.Error("slot 11:00 should be free")
	}
}

func TestBuildOccupancy_AllDayEntryNotShifted(t *testing.T) {
	loc := losAngeles(t)

	// Midnight-to-midnight UTC is an all-day marker; localizing it would
	// pull the date back a day in a western timezone.
	start := time.Date(2017, 7, 14, 0, 0, 0, 0, time.UTC)
	e := entry(7, psa.TypePTO, start, start, 8)

	occ, err := BuildOccupancy([]psa.ScheduleEntry{e}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}

	if _, ok := occ["2017-07-13"]; ok {
		t.Error("all-day entry leaked into the previous local day")
	}
	if _, ok := occ["2017-07-14"]; !ok {
		t.Fatalf("expected bucket for 2017-07-14, got %v", occ.Days())
	}
}

func TestBuildOccupancy_FullDayPTOBlocks(t *testing.T) {
	loc := losAngeles(t)

	start := time.Date(2017, 7, 14, 0, 0, 0, 0, time.UTC)
	e := entry(7, psa.TypePTO, start, start, 8)

	occ, err := BuildOccupancy([]psa.ScheduleEntry{e}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}

	// The per-day share is 8, but the day must carry the blocking value so
	// a 9-hour daily cap cannot land work on it.
	if got := occ["2017-07-14"].Hours; got != 12 {
		t.Errorf("full-day PTO should block with 12 hours, got %v", got)
	}
}

func TestBuildOccupancy_MultiDaySplit(t *testing.T) {
	loc := losAngeles(t)

	// Three-day holiday span, 24 hours total: 8 per day, promoted to 12.
	start := time.Date(2017, 7, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2017, 7, 5, 0, 0, 0, 0, time.UTC)
	holiday := entry(9, psa.TypeHoliday, start, end, 24)

	// Two-day timed schedule entry, 4 hours total: 2 per day, no promotion.
	s2 := time.Date(2017, 7, 10, 16, 0, 0, 0, time.UTC)
	e2 := time.Date(2017, 7, 11, 18, 0, 0, 0, time.UTC)
	work := entry(10, psa.TypeSchedule, s2, e2, 4)
	work.ObjectID = 555

	occ, err := BuildOccupancy([]psa.ScheduleEntry{holiday, work}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}

	for _, day := range []string{"2017-07-03", "2017-07-04", "2017-07-05"} {
		if got := occ[day].Hours; got != 12 {
			t.Errorf("%s: expected 12 blocking hours, got %v", day, got)
		}
	}
	for _, day := range []string{"2017-07-10", "2017-07-11"} {
		b, ok := occ[day]
		if !ok {
			t.Fatalf("missing bucket for %s", day)
		}
		if b.Hours != 2 {
			t.Errorf("%s: expected 2 hours, got %v", day, b.Hours)
		}
		if len(b.Entries) != 1 || b.Entries[0].Hours != 2 {
			t.Errorf("%s: entry should carry recomputed per-day hours, got %+v", day, b.Entries)
		}
	}
}

func TestBuildOccupancy_SkipsOutlookMeetings(t *testing.T) {
	loc := losAngeles(t)

	start := time.Date(2017, 7, 12, 17, 0, 0, 0, time.UTC)
	e := entry(3, psa.TypeOutlook, start, start.Add(time.Hour), 1)

	occ, err := BuildOccupancy([]psa.ScheduleEntry{e}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}
	if len(occ) != 0 {
		t.Errorf("outlook meetings must not block, got %v", occ.Days())
	}
}

func TestBuildOccupancy_MalformedEntryAborts(t *testing.T) {
	loc := losAngeles(t)

	good := entry(1, psa.TypeSchedule, time.Date(2017, 7, 12, 16, 0, 0, 0, time.UTC), time.Date(2017, 7, 12, 17, 0, 0, 0, time.UTC), 1)
	bad := psa.ScheduleEntry{ID: 2, Hours: 1}

	_, err := BuildOccupancy([]psa.ScheduleEntry{good, bad}, loc)
	if !errors.Is(err, ErrBadEntry) {
		t.Fatalf("expected ErrBadEntry, got %v", err)
	}
}

func TestOccupancyAdd(t *testing.T) {
	loc := losAngeles(t)
	occ := make(Occupancy)

	start := time.Date(2017, 7, 12, 9, 0, 0, 0, loc)
	occ.Add(339429, start, 1.5)

	b, ok := occ["2017-07-12"]
	if !ok {
		t.Fatal("expected bucket after Add")
	}
	if b.Hours != 1.5 {
		t.Errorf("expected 1.5 hours, got %v", b.Hours)
	}
	if len(b.Times) != 6 {
		t.Errorf("expected 6 slots, got %d", len(b.Times))
	}
	if got := b.Times["09:45"]; got != localOccupant {
		t.Errorf("local commitments should use the sentinel occupant, got %v", got)
	}
}

func TestOccupancyTicketHours(t *testing.T) {
	loc := losAngeles(t)

	mk := func(id, ticket int, day int, hours float64) psa.ScheduleEntry {
		start := time.Date(2017, 7, day, 16, 0, 0, 0, time.UTC)
		e := entry(id, psa.TypeSchedule, start, start.Add(time.Duration(hours*float64(time.Hour))), hours)
		e.ObjectID = ticket
		return e
	}

	occ, err := BuildOccupancy([]psa.ScheduleEntry{
		mk(1, 100, 12, 2),
		mk(2, 100, 13, 1),
		mk(3, 200, 12, 4),
	}, loc)
	if err != nil {
		t.Fatalf("BuildOccupancy: %v", err)
	}

	if got := occ.TicketHours(100); got != 3 {
		t.Errorf("ticket 100: expected 3 existing hours, got %v", got)
	}
	if got := occ.TicketHours(200); got != 4 {
		t.Errorf("ticket 200: expected 4 existing hours, got %v", got)
	}
	if got := occ.TicketHours(300); got != 0 {
		t.Errorf("ticket 300: expected 0 existing hours, got %v", got)
	}
}
