package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndQueryRecords(t *testing.T) {
	db := testDB(t)

	start := time.Date(2017, 7, 12, 16, 0, 0, 0, time.UTC)
	recs := []Record{
		{TicketID: 339429, Member: "tchristensen", StartTime: start, Hours: 4, Status: StatusDispatched, EntryID: 9001},
		{TicketID: 340224, Member: "tchristensen", StartTime: start.Add(4 * time.Hour), Hours: 3, Simulated: true, Status: StatusSimulated},
		{TicketID: 340224, Member: "tchristensen", StartTime: start.Add(24 * time.Hour), Hours: 1, Status: StatusFailed, Error: "API error (status 500)"},
	}
	for i := range recs {
		if _, err := db.InsertRecord(&recs[i]); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
	}

	recent, err := db.RecentRecords(10)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}

	byTicket, err := db.TicketRecords(340224)
	if err != nil {
		t.Fatalf("TicketRecords: %v", err)
	}
	if len(byTicket) != 2 {
		t.Fatalf("expected 2 records for ticket 340224, got %d", len(byTicket))
	}
	if !byTicket[0].Simulated || byTicket[0].Status != StatusSimulated {
		t.Errorf("first record should be the simulated one, got %+v", byTicket[0])
	}
	if byTicket[1].Error == "" {
		t.Errorf("failed record should keep its error, got %+v", byTicket[1])
	}
	if !byTicket[0].StartTime.Equal(start.Add(4 * time.Hour)) {
		t.Errorf("start time did not round-trip: %v", byTicket[0].StartTime)
	}
}

func TestRecentRecordsLimit(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		rec := Record{TicketID: i, Member: "m", StartTime: time.Now(), Hours: 1, Status: StatusDispatched}
		if _, err := db.InsertRecord(&rec); err != nil {
			t.Fatalf("InsertRecord: %v", err)
		}
	}

	recent, err := db.RecentRecords(2)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected limit of 2, got %d", len(recent))
	}
}
