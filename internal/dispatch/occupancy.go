package dispatch

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

const (
	dayKeyFormat  = "2006-01-02"
	slotKeyFormat = "15:04"

	// localOccupant marks slots committed by this run, which have no
	// remote entry id yet.
	localOccupant = -1

	// blockingHours is stamped on each day of a full-day PTO/holiday span
	// so that no daily cap can squeeze work onto it.
	blockingHours = 12.0
)

// ErrBadEntry is wrapped by data-integrity failures during aggregation.
// A partially built occupancy model is unsafe to dispatch against, so the
// whole build aborts.
var ErrBadEntry = errors.New("malformed schedule entry")

// DayBucket records everything committed to one calendar day: the total
// hours, the 15-minute slots in use (value is the occupying entry id),
// the ticket ids touched, and the source entries with per-day hours.
type DayBucket struct {
	Hours   float64
	Times   map[string]int
	Tickets []int
	Entries []psa.ScheduleEntry
}

// Occupancy is the per-day occupancy model for one run, keyed by local
// date (YYYY-MM-DD). Buckets are created lazily and live only for the run.
type Occupancy map[string]*DayBucket

func (o Occupancy) day(key string) *DayBucket {
	b, ok := o[key]
	if !ok {
		b = &DayBucket{Times: make(map[string]int)}
		o[key] = b
	}
	return b
}

// HoursOn returns the hours committed to the given day, 0 if untouched.
func (o Occupancy) HoursOn(t time.Time) float64 {
	if b, ok := o[t.Format(dayKeyFormat)]; ok {
		return b.Hours
	}
	return 0
}

// TicketHours sums the hours already on the calendar for a ticket across
// the whole fetched window. Used by the duplicate-dispatch policy.
func (o Occupancy) TicketHours(ticketID int) float64 {
	var total float64
	for _, b := range o {
		for _, e := range b.Entries {
			if e.Type.Identifier == psa.TypeSchedule && e.ObjectID == ticketID {
				total += e.Hours
			}
		}
	}
	return total
}

// Days returns the bucket keys in date order.
func (o Occupancy) Days() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add commits hours for a ticket starting at the given time, stamping the
// covered 15-minute slots with the local sentinel. The dispatcher calls
// this before any remote write, so later tickets in the same run see the
// commitment.
func (o Occupancy) Add(ticketID int, start time.Time, hours float64) {
	b := o.day(start.Format(dayKeyFormat))
	b.Hours += hours
	b.Tickets = append(b.Tickets, ticketID)
	stampSlots(b, start, hours, localOccupant)
}

func stampSlots(b *DayBucket, start time.Time, hours float64, occupant int) {
	tod := start
	for t := 0; t < int(math.Round(hours*4)); t++ {
		b.Times[tod.Format(slotKeyFormat)] = occupant
		tod = tod.Add(15 * time.Minute)
	}
}

// BuildOccupancy turns the fetched schedule entries into the per-day
// occupancy model, in the run timezone. Outlook-synced meetings are
// ignored; everything else blocks time.
func BuildOccupancy(entries []psa.ScheduleEntry, loc *time.Location) (Occupancy, error) {
	occ := make(Occupancy)

	for _, entry := range entries {
		if entry.Type.Identifier == "" || entry.DateStart.IsZero() || entry.DateEnd.IsZero() {
			return nil, fmt.Errorf("%w: entry %d missing type or dates", ErrBadEntry, entry.ID)
		}
		if entry.Type.Identifier == psa.TypeOutlook {
			continue
		}

		start, end := localize(entry.DateStart, entry.DateEnd, loc)

		days := wholeDays(start, end) + 1
		hours := perDayHours(entry, days)

		for day := 0; day < days; day++ {
			dayStart := start.AddDate(0, 0, day)
			b := occ.day(dayStart.Format(dayKeyFormat))

			b.Hours += hours
			if entry.Type.Identifier == psa.TypeSchedule {
				b.Tickets = append(b.Tickets, entry.ObjectID)
			}

			split := entry
			split.Hours = hours
			b.Entries = append(b.Entries, split)

			stampSlots(b, dayStart, hours, entry.ID)
		}
	}

	return occ, nil
}

// localize reinterprets timed entries in the run timezone. Entries whose
// start and end are both exactly midnight UTC are all-day markers and are
// left alone, so their date keys do not shift across the day boundary.
func localize(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	if midnightUTC(start) && midnightUTC(end) {
		return start.UTC(), end.UTC()
	}
	return start.In(loc), end.In(loc)
}

func midnightUTC(t time.Time) bool {
	u := t.UTC()
	return u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0
}

// wholeDays counts full days between two instants, rounding down: same-day
// entries yield 0.
func wholeDays(start, end time.Time) int {
	d := int(end.Sub(start).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// perDayHours splits an entry's hours evenly across its day span. Full-day
// PTO and holiday entries are promoted to a blocking value that exceeds
// any plausible daily cap, so dispatching e.g. 9 hours a day cannot land
// on them.
func perDayHours(entry psa.ScheduleEntry, days int) float64 {
	hours := entry.Hours / float64(days)
	t := entry.Type.Identifier
	if (t == psa.TypePTO || t == psa.TypeHoliday) && hours >= 8 {
		return blockingHours
	}
	return hours
}
