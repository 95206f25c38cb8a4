package psa

import "time"

// Schedule entry type codes used by the PSA.
const (
	TypeSchedule = "S" // ticket work scheduled on the calendar
	TypePTO      = "V" // vacation / paid time off
	TypeHoliday  = "H" // company holiday
	TypeOutlook  = "C" // synced Outlook meeting
	TypeOverlay  = "O" // busy block merged from a local calendar overlay
)

type MemberRef struct {
	Identifier string `json:"identifier"`
}

type CodeRef struct {
	Identifier string `json:"identifier"`
}

type StatusRef struct {
	Name string `json:"name"`
}

type Ticket struct {
	ID          int       `json:"id"`
	Summary     string    `json:"summary"`
	Status      StatusRef `json:"status"`
	BudgetHours float64   `json:"budgetHours"`
	ActualHours float64   `json:"actualHours"` // absent in the response means 0
}

// ScheduleEntry is a single calendar entry for a member. Multi-day entries
// carry the total hours for the whole span; dateStart/dateEnd are instants.
type ScheduleEntry struct {
	ID        int       `json:"id"`
	ObjectID  int       `json:"objectId"` // ticket id for TypeSchedule entries
	Member    MemberRef `json:"member"`
	DateStart time.Time `json:"dateStart"`
	DateEnd   time.Time `json:"dateEnd"`
	Type      CodeRef   `json:"type"`
	Span      CodeRef   `json:"span"`
	Hours     float64   `json:"hours"`
}

// ScheduleEntryRequest creates a new schedule entry. Conflicts are allowed:
// the dispatcher's own slot search is advisory, the PSA does not enforce it.
type ScheduleEntryRequest struct {
	ObjectID       int       `json:"objectId"`
	Member         MemberRef `json:"member"`
	DateStart      string    `json:"dateStart"`
	DateEnd        string    `json:"dateEnd"`
	Type           CodeRef   `json:"type"`
	Span           CodeRef   `json:"span"`
	AllowConflicts bool      `json:"allowScheduleConflictsFlag"`
	Hours          float64   `json:"hours"`
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}
