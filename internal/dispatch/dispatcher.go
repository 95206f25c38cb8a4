package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

// ScheduleWriter is the slice of the PSA client the dispatcher writes
// through. Nil-safe only in dry runs.
type ScheduleWriter interface {
	CreateScheduleEntry(ctx context.Context, entry psa.ScheduleEntryRequest) (*psa.ScheduleEntry, error)
	UpdateTicketStatus(ctx context.Context, ticketID int, status string) error
}

// Record is one committed allocation: a slot bound to a ticket.
type Record struct {
	TicketID  int
	Start     time.Time
	Hours     float64
	Simulated bool
	// EntryID is the remote schedule entry id, set after a successful
	// non-simulated write.
	EntryID int
}

// Outcome is the result of one dispatch action. Err covers both the
// entry creation and, when enabled, the follow-up status update.
type Outcome struct {
	Record Record
	Err    error
}

// TicketResult aggregates the outcomes of one ticket's dispatch actions.
// Individual action failures never fail the ticket or the run; the caller
// decides what any-failure means.
type TicketResult struct {
	TicketID int
	Outcomes []Outcome
}

func (r TicketResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Dispatcher owns the date cursor and the occupancy model for one run.
// All cursor and occupancy mutation happens sequentially inside
// DispatchTicket; only the emitted write calls run concurrently, after
// the bookkeeping for them is final.
type Dispatcher struct {
	params Params
	occ    Occupancy
	writer ScheduleWriter
	logger *slog.Logger

	loc       *time.Location
	cursor    time.Time
	endBound  time.Time
	totalLeft float64
}

// New validates params and positions the cursor on the first usable day.
func New(params Params, occ Occupancy, writer ScheduleWriter, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	loc, err := params.Validate()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		params:    params,
		occ:       occ,
		writer:    writer,
		logger:    logger,
		loc:       loc,
		totalLeft: params.totalCap(),
	}

	start := params.StartDate.In(loc)
	d.cursor = start
	d.advance(false)

	if !params.EndDate.IsZero() {
		e := params.EndDate.In(loc)
		d.endBound = time.Date(e.Year(), e.Month(), e.Day(), 23, 59, 59, 0, loc)
	}

	return d, nil
}

// advance moves the cursor to the next usable day. force skips the current
// day outright (used when it had no acceptable slot); afterwards the
// cursor keeps moving while the day is at or over the daily cap or falls
// on a weekend, then re-anchors to the configured start of day.
func (d *Dispatcher) advance(force bool) {
	if force {
		// The day may have a little free time, just not enough. Skip it.
		d.cursor = d.cursor.AddDate(0, 0, 1)
	}
	d.cursor = d.beginDay(d.findDay(d.cursor))
}

func (d *Dispatcher) findDay(t time.Time) time.Time {
	for d.occ.HoursOn(t) >= d.params.DailyHours || isWeekend(t) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func (d *Dispatcher) beginDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), d.params.StartHour, 0, 0, 0, d.loc)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Run resolves hours for every configured ticket and dispatches them in
// order. Only configuration and data errors are returned; per-action
// failures live in the results.
func (d *Dispatcher) Run(ctx context.Context, resolver *HoursResolver) ([]TicketResult, error) {
	ids := make([]int, len(d.params.Tickets))
	for i, t := range d.params.Tickets {
		ids[i] = t.ID
	}

	hours, err := resolver.ResolveHours(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]TicketResult, 0, len(d.params.Tickets))
	for _, req := range d.params.Tickets {
		results = append(results, d.DispatchTicket(ctx, req, hours))
	}
	return results, nil
}

// DispatchTicket allocates one ticket's remaining hours into free slots,
// walking forward from the cursor. Committed slots are written into the
// occupancy model immediately, so later tickets in the run see them; the
// external writes are issued afterwards, concurrently.
func (d *Dispatcher) DispatchTicket(ctx context.Context, req TicketRequest, resolved map[int]float64) TicketResult {
	remaining := resolved[req.ID]
	if req.Hours > 0 {
		remaining = req.Hours
	}
	remaining = math.Min(remaining, d.totalLeft)
	remaining = d.applyDuplicatePolicy(req.ID, remaining)

	var slots []Slot
	for remaining > 0.01 {
		if !d.endBound.IsZero() && d.cursor.After(d.endBound) {
			d.logger.Info("end date reached", "ticket", req.ID, "undispatched", remaining)
			break
		}

		// Cap at the daily count, less what's already on the day.
		next := math.Min(remaining, d.params.DailyHours-d.occ.HoursOn(d.cursor))

		slot, ok := d.findSlot(next, remaining)
		if !ok {
			// Not enough free time on that day; try the next one.
			d.advance(true)
			continue
		}

		d.occ.Add(req.ID, slot.Start, slot.Hours)
		d.totalLeft -= slot.Hours
		remaining -= slot.Hours
		slots = append(slots, slot)
		d.advance(false)
	}

	return TicketResult{TicketID: req.ID, Outcomes: d.emit(ctx, req.ID, slots)}
}

// applyDuplicatePolicy adjusts a ticket's dispatchable hours for whatever
// is already on the calendar for it. The policy value is validated up
// front, so the default branch is unreachable.
func (d *Dispatcher) applyDuplicatePolicy(ticketID int, remaining float64) float64 {
	existing := d.occ.TicketHours(ticketID)
	if existing == 0 {
		return remaining
	}

	switch d.params.Duplicates {
	case DuplicateSkip:
		d.logger.Info("skipping already-scheduled ticket", "ticket", ticketID, "existing", existing)
		return 0
	case DuplicateSubtract:
		return remaining - existing
	default:
		return remaining
	}
}

// emit turns committed slots into dispatch actions. The occupancy
// bookkeeping is already final, so real writes can go out in parallel;
// each action's failure is captured on its own outcome and never cancels
// the siblings.
func (d *Dispatcher) emit(ctx context.Context, ticketID int, slots []Slot) []Outcome {
	outcomes := make([]Outcome, len(slots))

	if d.params.DryRun {
		for i, slot := range slots {
			d.logger.Info("DISPATCHING (dry run)",
				"date", slot.Start.Format("2006-01-02 15:04:05"), "ticket", ticketID, "hours", slot.Hours)
			outcomes[i] = Outcome{Record: Record{TicketID: ticketID, Start: slot.Start, Hours: slot.Hours, Simulated: true}}
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot Slot) {
			defer wg.Done()
			outcomes[i] = d.dispatchSlot(ctx, ticketID, slot)
		}(i, slot)
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) dispatchSlot(ctx context.Context, ticketID int, slot Slot) Outcome {
	rec := Record{TicketID: ticketID, Start: slot.Start, Hours: slot.Hours}

	entry := psa.ScheduleEntryRequest{
		ObjectID:       ticketID,
		Member:         psa.MemberRef{Identifier: d.params.Member},
		DateStart:      slot.Start.UTC().Format(time.RFC3339),
		DateEnd:        slot.Start.Add(time.Duration(slot.Hours * float64(time.Hour))).UTC().Format(time.RFC3339),
		Type:           psa.CodeRef{Identifier: psa.TypeSchedule},
		Span:           psa.CodeRef{Identifier: "N"},
		AllowConflicts: true,
		Hours:          slot.Hours,
	}

	created, err := d.writer.CreateScheduleEntry(ctx, entry)
	if err != nil {
		d.logger.Error("dispatch failed", "ticket", ticketID, "start", slot.Start, "error", err)
		return Outcome{Record: rec, Err: fmt.Errorf("dispatching ticket %d: %w", ticketID, err)}
	}
	rec.EntryID = created.ID

	if d.params.MarkAssigned {
		if err := d.writer.UpdateTicketStatus(ctx, ticketID, d.params.AssignedStatus); err != nil {
			d.logger.Error("marking ticket assigned failed", "ticket", ticketID, "error", err)
			return Outcome{Record: rec, Err: fmt.Errorf("marking ticket %d assigned: %w", ticketID, err)}
		}
	}

	return Outcome{Record: rec}
}
