package calendar

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"

	"github.com/christopherklint97/dispatchr/internal/psa"
)

// Event is a busy span from an overlay calendar source (ICS feed or
// Microsoft Graph). Overlay events exist so dispatching can avoid meetings
// the PSA never sees.
type Event struct {
	Summary   string
	StartTime time.Time
	EndTime   time.Time
}

// Fetch retrieves and parses iCalendar events from a URL or file path,
// returning events that overlap the given window.
func Fetch(ctx context.Context, source string, windowStart, windowEnd time.Time) ([]Event, error) {
	var r io.ReadCloser

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching calendar: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("calendar fetch returned status %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("opening calendar file: %w", err)
		}
		r = f
	}
	defer r.Close()

	dec := ical.NewDecoder(r)
	var events []Event

	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing calendar: %w", err)
		}

		for _, component := range cal.Children {
			if component.Name != ical.CompEvent {
				continue
			}
			event := ical.Event{Component: component}

			start, err := event.DateTimeStart(nil)
			if err != nil {
				continue // skip malformed events
			}
			end, err := event.DateTimeEnd(nil)
			if err != nil {
				continue
			}

			if start.Before(windowEnd) && end.After(windowStart) {
				summary, _ := event.Props.Text(ical.PropSummary)
				events = append(events, Event{
					Summary:   summary,
					StartTime: start,
					EndTime:   end,
				})
			}
		}
	}

	return events, nil
}

// Entries converts overlay events into blocking schedule entries that can
// be fed to the occupancy aggregator alongside the real PSA entries.
// Synthetic negative ids keep overlay slots distinguishable from remote
// entries and from the dispatcher's own commitments.
func Entries(events []Event) []psa.ScheduleEntry {
	entries := make([]psa.ScheduleEntry, 0, len(events))
	for i, e := range events {
		hours := math.Round(e.EndTime.Sub(e.StartTime).Hours()*4) / 4
		if hours <= 0 {
			continue
		}
		entries = append(entries, psa.ScheduleEntry{
			ID:        -(100 + i),
			DateStart: e.StartTime,
			DateEnd:   e.EndTime,
			Type:      psa.CodeRef{Identifier: psa.TypeOverlay},
			Hours:     hours,
		})
	}
	return entries
}
