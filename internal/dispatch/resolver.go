package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

// TicketFetcher is the slice of the PSA client the resolver needs.
type TicketFetcher interface {
	GetTickets(ctx context.Context, ids []int) ([]psa.Ticket, error)
}

// Statuses that never receive dispatched hours under FilterBuiltin.
// Compared lowercased.
var inactiveStatuses = map[string]struct{}{
	"canceled":            {},
	"cancelled":           {},
	"closed":              {},
	"complete":            {},
	"completed":           {},
	"on hold":             {},
	"on-hold":             {},
	"pending qa":          {},
	"pending code review": {},
	"pending review":      {},
	"waiting":             {},
}

// Active reports whether a ticket with the given status name is eligible
// for dispatch. FilterBuiltin is a deny list; FilterAllow and FilterExact
// are allow lists.
func (f StatusFilter) Active(status string) bool {
	status = strings.ToLower(status)
	switch f.Kind {
	case FilterNone:
		return true
	case FilterAllow:
		for _, s := range f.Statuses {
			if status == strings.ToLower(s) {
				return true
			}
		}
		return false
	case FilterExact:
		return status == strings.ToLower(f.Status)
	default:
		_, inactive := inactiveStatuses[status]
		return !inactive
	}
}

// HoursResolver determines each ticket's dispatchable remaining hours.
// Ticket detail is fetched once per run; repeated calls return the cached
// result without another collaborator query.
type HoursResolver struct {
	client  TicketFetcher
	filter  StatusFilter
	hours   map[int]float64
	tickets map[int]psa.Ticket
}

func NewHoursResolver(client TicketFetcher, filter StatusFilter) *HoursResolver {
	return &HoursResolver{client: client, filter: filter}
}

// ResolveHours returns remaining hours per ticket id:
// round(budget - actual, nearest 0.25), or 0 when the status filter judges
// the ticket inactive. A per-ticket override on the request bypasses both.
func (r *HoursResolver) ResolveHours(ctx context.Context, ids []int) (map[int]float64, error) {
	if r.hours != nil {
		return r.hours, nil
	}

	tickets, err := r.client.GetTickets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving ticket hours: %w", err)
	}

	r.hours = make(map[int]float64, len(tickets))
	r.tickets = make(map[int]psa.Ticket, len(tickets))
	for _, t := range tickets {
		r.tickets[t.ID] = t
		if !r.filter.Active(t.Status.Name) {
			r.hours[t.ID] = 0
			continue
		}
		r.hours[t.ID] = Round15(t.BudgetHours - t.ActualHours)
	}

	return r.hours, nil
}

// Ticket returns the cached detail for an id after ResolveHours has run.
func (r *HoursResolver) Ticket(id int) (psa.Ticket, bool) {
	t, ok := r.tickets[id]
	return t, ok
}
