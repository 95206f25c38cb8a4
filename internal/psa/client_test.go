package psa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := Credentials{
		BaseURL:    srv.URL,
		Company:    "acme",
		PublicKey:  "pub",
		PrivateKey: "priv",
		ClientID:   "client-123",
	}
	return NewClient(creds, time.Minute, nil), srv
}

func TestGetTickets(t *testing.T) {
	var gotConditions string
	var calls int
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/service/tickets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, _ := r.BasicAuth(); user != "acme+pub" || pass != "priv" {
			t.Errorf("wrong basic auth: %s / %s", user, pass)
		}
		if got := r.Header.Get("clientId"); got != "client-123" {
			t.Errorf("missing clientId header, got %q", got)
		}
		gotConditions = r.URL.Query().Get("conditions")
		json.NewEncoder(w).Encode([]Ticket{
			{ID: 339429, Status: StatusRef{Name: "New"}, BudgetHours: 8},
			{ID: 340224, Status: StatusRef{Name: "In Progress"}, BudgetHours: 6, ActualHours: 2},
		})
	}))

	tickets, err := client.GetTickets(context.Background(), []int{339429, 340224})
	if err != nil {
		t.Fatalf("GetTickets: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	if gotConditions != "id IN (339429, 340224)" {
		t.Errorf("wrong conditions: %q", gotConditions)
	}

	// Second call inside the TTL hits the cache.
	if _, err := client.GetTickets(context.Background(), []int{339429, 340224}); err != nil {
		t.Fatalf("cached GetTickets: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestGetScheduleEntries_BoundAndPaging(t *testing.T) {
	var conditions []string
	var pages []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conditions = append(conditions, r.URL.Query().Get("conditions"))
		pages = append(pages, r.URL.Query().Get("page"))
		// Full first page forces a second fetch.
		entries := make([]ScheduleEntry, 0, pageSize)
		if r.URL.Query().Get("page") == "1" {
			for i := 0; i < pageSize; i++ {
				entries = append(entries, ScheduleEntry{ID: i + 1})
			}
		}
		json.NewEncoder(w).Encode(entries)
	}))

	since := time.Date(2017, 7, 12, 0, 0, 0, 0, time.UTC)
	entries, err := client.GetScheduleEntries(context.Background(), "tchristensen", since)
	if err != nil {
		t.Fatalf("GetScheduleEntries: %v", err)
	}

	if len(entries) != pageSize {
		t.Errorf("expected %d entries, got %d", pageSize, len(entries))
	}
	if len(pages) != 2 || pages[0] != "1" || pages[1] != "2" {
		t.Errorf("expected pages 1 and 2, got %v", pages)
	}
	// Lower bound is shifted back a day to absorb timezone skew.
	want := `member/identifier = "tchristensen" AND dateStart >= [2017-07-11]`
	if conditions[0] != want {
		t.Errorf("conditions = %q, want %q", conditions[0], want)
	}
}

func TestCreateScheduleEntry(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/schedule/entries" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ScheduleEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.ObjectID != 339429 || !req.AllowConflicts || req.Type.Identifier != TypeSchedule {
			t.Errorf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(ScheduleEntry{ID: 9001})
	}))

	created, err := client.CreateScheduleEntry(context.Background(), ScheduleEntryRequest{
		ObjectID:       339429,
		Member:         MemberRef{Identifier: "tchristensen"},
		DateStart:      "2017-07-12T16:00:00Z",
		DateEnd:        "2017-07-12T20:00:00Z",
		Type:           CodeRef{Identifier: TypeSchedule},
		Span:           CodeRef{Identifier: "N"},
		AllowConflicts: true,
		Hours:          4,
	})
	if err != nil {
		t.Fatalf("CreateScheduleEntry: %v", err)
	}
	if created.ID != 9001 {
		t.Errorf("expected created id 9001, got %d", created.ID)
	}
}

func TestUpdateTicketStatus(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/service/tickets/339429" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var ops []patchOp
		if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
			t.Fatalf("decoding patch: %v", err)
		}
		if len(ops) != 1 || ops[0].Op != "replace" || ops[0].Path != "status/name" || ops[0].Value != "Assigned" {
			t.Errorf("unexpected patch ops: %+v", ops)
		}
		w.Write([]byte("{}"))
	}))

	if err := client.UpdateTicketStatus(context.Background(), 339429, "Assigned"); err != nil {
		t.Fatalf("UpdateTicketStatus: %v", err)
	}
}

func TestDoRequest_ErrorStatus(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such ticket", http.StatusNotFound)
	}))

	if _, err := client.GetTickets(context.Background(), []int{1}); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
