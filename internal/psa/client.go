package psa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const pageSize = 1000

type Credentials struct {
	BaseURL    string
	Company    string
	PublicKey  string
	PrivateKey string
	ClientID   string
}

type Client struct {
	creds      Credentials
	httpClient *http.Client
	cache      *TicketCache
	logger     *slog.Logger
}

func NewClient(creds Credentials, cacheTTL time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:  NewTicketCache(cacheTTL),
		logger: logger,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	reqURL := strings.TrimRight(c.creds.BaseURL, "/") + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	c.logger.Debug("PSA API request", "method", method, "path", path)

	var resp *http.Response
	maxRetries := 3
	requestStart := time.Now()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.SetBasicAuth(c.creds.Company+"+"+c.creds.PublicKey, c.creds.PrivateKey)
		req.Header.Set("clientId", c.creds.ClientID)
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			if attempt == maxRetries {
				c.logger.Error("API request transport error", "method", method, "path", path, "error", err, "elapsed", time.Since(requestStart))
				return nil, fmt.Errorf("sending request: %w", err)
			}
			c.logger.Debug("API request transport error, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
			time.Sleep(backoff(attempt))
			continue
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				c.logger.Error("API request failed after retries", "method", method, "path", path, "status", resp.StatusCode, "attempts", maxRetries+1)
				return nil, fmt.Errorf("API returned status %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.logger.Debug("API request retryable error", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			time.Sleep(backoff(attempt))
			continue
		}
		break
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("PSA API response", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(respBody), "elapsed", time.Since(requestStart))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("API request failed", "method", method, "path", path, "status", resp.StatusCode, "response", truncate(string(respBody), 200))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetTickets fetches ticket detail for the given ids. Results are cached
// with a TTL so a dispatch run following a `tickets` preview does not
// refetch unchanged tickets.
func (c *Client) GetTickets(ctx context.Context, ids []int) ([]Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cached, missing := c.cache.Get(ids)
	if len(missing) == 0 {
		return cached, nil
	}

	strIDs := make([]string, len(missing))
	for i, id := range missing {
		strIDs[i] = strconv.Itoa(id)
	}
	query := url.Values{
		"conditions": {"id IN (" + strings.Join(strIDs, ", ") + ")"},
		"pageSize":   {strconv.Itoa(pageSize)},
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/service/tickets", query, nil)
	if err != nil {
		return nil, fmt.Errorf("getting tickets: %w", err)
	}

	var tickets []Ticket
	if err := json.Unmarshal(data, &tickets); err != nil {
		return nil, fmt.Errorf("parsing tickets response: %w", err)
	}

	c.cache.Set(tickets)
	return append(cached, tickets...), nil
}

// GetScheduleEntries fetches all calendar entries for a member with
// dateStart on or after the given date. The lower bound is shifted back
// one day to absorb timezone skew at the query boundary.
func (c *Client) GetScheduleEntries(ctx context.Context, member string, since time.Time) ([]ScheduleEntry, error) {
	bound := since.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	conditions := fmt.Sprintf("member/identifier = %q AND dateStart >= [%s]", member, bound)

	var all []ScheduleEntry
	page := 1
	for {
		query := url.Values{
			"conditions": {conditions},
			"pageSize":   {strconv.Itoa(pageSize)},
			"page":       {strconv.Itoa(page)},
		}
		data, err := c.doRequest(ctx, http.MethodGet, "/schedule/entries", query, nil)
		if err != nil {
			return nil, fmt.Errorf("getting schedule entries: %w", err)
		}

		var entries []ScheduleEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parsing schedule entries response: %w", err)
		}
		all = append(all, entries...)

		if len(entries) < pageSize {
			break
		}
		page++
	}

	return all, nil
}

// CreateScheduleEntry writes a new calendar entry for a dispatched slot.
func (c *Client) CreateScheduleEntry(ctx context.Context, entry ScheduleEntryRequest) (*ScheduleEntry, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/schedule/entries", nil, entry)
	if err != nil {
		return nil, fmt.Errorf("creating schedule entry: %w", err)
	}

	var created ScheduleEntry
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("parsing schedule entry response: %w", err)
	}

	return &created, nil
}

// UpdateTicketStatus patches a ticket's status name.
func (c *Client) UpdateTicketStatus(ctx context.Context, ticketID int, status string) error {
	ops := []patchOp{{Op: "replace", Path: "status/name", Value: status}}
	path := fmt.Sprintf("/service/tickets/%d", ticketID)
	if _, err := c.doRequest(ctx, http.MethodPatch, path, nil, ops); err != nil {
		return fmt.Errorf("updating ticket %d status: %w", ticketID, err)
	}
	return nil
}
