package dispatch

import (
	"fmt"
	"math"
	"time"
)

// DuplicatePolicy decides what happens when a ticket already has hours on
// the calendar before this run.
type DuplicatePolicy string

const (
	// DuplicateSubtract reduces the ticket's dispatchable hours by what is
	// already scheduled.
	DuplicateSubtract DuplicatePolicy = "subtract"
	// DuplicateSkip dispatches nothing if any hours are already scheduled.
	DuplicateSkip DuplicatePolicy = "skip"
	// DuplicateIgnore re-dispatches the full remaining hours regardless.
	DuplicateIgnore DuplicatePolicy = "ignore"
)

// StatusFilterKind selects how ticket statuses gate dispatching.
type StatusFilterKind int

const (
	// FilterBuiltin skips tickets whose status is in the built-in set of
	// terminal/paused statuses (deny list).
	FilterBuiltin StatusFilterKind = iota
	// FilterNone treats every ticket as active.
	FilterNone
	// FilterAllow treats a ticket as active only if its status is in
	// Statuses. An allow list, the inverse of FilterBuiltin's deny list.
	FilterAllow
	// FilterExact treats a ticket as active only if its status equals
	// Status exactly.
	FilterExact
)

type StatusFilter struct {
	Kind     StatusFilterKind
	Status   string
	Statuses []string
}

type TicketRequest struct {
	ID int
	// Hours overrides the resolved remaining hours when > 0, and forces
	// dispatch even if the ticket is inactive.
	Hours float64
}

// Params configures a single dispatch run. Immutable once validated.
type Params struct {
	Member    string
	StartDate time.Time
	// EndDate, when set, is an inclusive upper bound: dispatching stops
	// once the cursor passes end-of-day on this date in Timezone.
	EndDate  time.Time
	Timezone string

	DailyHours float64
	// TotalHours caps the hours dispatched across all tickets; zero means
	// effectively unbounded.
	TotalHours float64
	StartHour  int

	Statuses     StatusFilter
	Duplicates   DuplicatePolicy
	MarkAssigned bool
	// AssignedStatus is the status name written after a successful
	// dispatch when MarkAssigned is set.
	AssignedStatus string
	DryRun         bool

	Tickets []TicketRequest
}

// Validate checks the parts of Params that would otherwise fail mid-run.
// An unrecognized duplicate policy is a configuration error and must stop
// the run before any dispatch happens.
func (p *Params) Validate() (*time.Location, error) {
	switch p.Duplicates {
	case DuplicateSubtract, DuplicateSkip, DuplicateIgnore:
	default:
		return nil, fmt.Errorf("unknown duplicate policy %q (want subtract, skip or ignore)", p.Duplicates)
	}

	if p.DailyHours <= 0 {
		return nil, fmt.Errorf("daily hours must be positive, got %v", p.DailyHours)
	}
	if p.StartHour < 0 || p.StartHour > 23 {
		return nil, fmt.Errorf("start hour %d out of range", p.StartHour)
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

func (p *Params) totalCap() float64 {
	if p.TotalHours > 0 {
		return p.TotalHours
	}
	return math.MaxFloat64
}

// Round15 rounds hours to the nearest quarter hour.
func Round15(hours float64) float64 {
	return math.Round(hours*4) / 4
}
