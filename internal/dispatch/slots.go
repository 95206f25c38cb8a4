package dispatch

import (
	"math"
	"time"
)

// Slot is a contiguous span of free calendar time chosen for allocation.
type Slot struct {
	Start time.Time
	Hours float64
}

// findSlot searches the cursor's day for the longest usable contiguous
// free run starting at or after the cursor time. target is the most the
// slot may carry; remaining is the ticket's total outstanding need, which
// sets the minimum-contiguity threshold: tasks of an hour or more are not
// fragmented into runs shorter than an hour, smaller tasks only need a run
// matching their own size.
//
// The scan is greedy: the first run meeting the threshold wins, even if a
// longer one exists later in the day. A miss means the caller must
// force-advance to the next day.
func (d *Dispatcher) findSlot(target, remaining float64) (Slot, bool) {
	bucket, ok := d.occ[d.cursor.Format(dayKeyFormat)]
	if !ok {
		// Nothing on this day yet; the rest of it is free.
		return Slot{Start: d.cursor, Hours: target}, true
	}

	minContig := 1.0 * 4
	if remaining < 1 {
		minContig = remaining * 4
	}

	contig := 0
	start := d.cursor
	tod := d.cursor
	for t := 0; t < int(d.params.DailyHours*4); t++ {
		_, used := bucket.Times[tod.Format(slotKeyFormat)]
		switch {
		case used && float64(contig) >= minContig:
			// Run already sufficient; take it rather than hunting for a
			// longer one later in the day.
			return Slot{Start: start, Hours: math.Min(float64(contig)/4, target)}, true
		case used:
			// Too short to use; hold out for a longer stretch.
			contig = 0
		default:
			if contig == 0 {
				start = tod
			}
			contig++
		}
		tod = tod.Add(15 * time.Minute)
	}

	if float64(contig) >= minContig {
		return Slot{Start: start, Hours: math.Min(float64(contig)/4, target)}, true
	}
	return Slot{}, false
}
