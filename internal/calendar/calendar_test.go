package calendar

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

const testICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//dispatchr//test//EN
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20170710T000000Z
DTSTART:20170712T170000Z
DTEND:20170712T173000Z
SUMMARY:Daily standup
END:VEVENT
BEGIN:VEVENT
UID:review@example.com
DTSTAMP:20170710T000000Z
DTSTART:20170801T170000Z
DTEND:20170801T180000Z
SUMMARY:Way outside the window
END:VEVENT
END:VCALENDAR
`

func writeICS(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "busy.ics")
	// iCalendar requires CRLF line endings.
	data := strings.ReplaceAll(testICS, "\n", "\r\n")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("writing ics: %v", err)
	}
	return path
}

func TestFetch_WindowFilter(t *testing.T) {
	path := writeICS(t)

	windowStart := time.Date(2017, 7, 11, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2017, 7, 15, 0, 0, 0, 0, time.UTC)

	events, err := Fetch(context.Background(), path, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event inside the window, got %d", len(events))
	}
	if events[0].Summary != "Daily standup" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestEntries(t *testing.T) {
	start := time.Date(2017, 7, 12, 17, 0, 0, 0, time.UTC)
	events := []Event{
		{Summary: "Standup", StartTime: start, EndTime: start.Add(25 * time.Minute)},
		{Summary: "Zero length", StartTime: start, EndTime: start},
	}

	entries := Entries(events)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (zero-length dropped), got %d", len(entries))
	}

	e := entries[0]
	if e.Type.Identifier != psa.TypeOverlay {
		t.Errorf("overlay entries must use the overlay type, got %q", e.Type.Identifier)
	}
	if e.ID >= 0 {
		t.Errorf("overlay entries need synthetic negative ids, got %d", e.ID)
	}
	// 25 minutes rounds to the nearest quarter hour.
	if e.Hours != 0.5 {
		t.Errorf("expected 0.5 hours, got %v", e.Hours)
	}
}
