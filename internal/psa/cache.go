package psa

import (
	"sync"
	"time"
)

type cachedTicket struct {
	ticket    Ticket
	fetchedAt time.Time
}

type TicketCache struct {
	mu      sync.RWMutex
	tickets map[int]cachedTicket
	ttl     time.Duration
}

func NewTicketCache(ttl time.Duration) *TicketCache {
	return &TicketCache{tickets: make(map[int]cachedTicket), ttl: ttl}
}

// Get returns the cached tickets among ids, and the ids that are missing
// or stale and must be refetched.
func (c *TicketCache) Get(ids []int) ([]Ticket, []int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hits []Ticket
	var missing []int
	for _, id := range ids {
		if ct, ok := c.tickets[id]; ok && time.Since(ct.fetchedAt) <= c.ttl {
			hits = append(hits, ct.ticket)
		} else {
			missing = append(missing, id)
		}
	}
	return hits, missing
}

func (c *TicketCache) Set(tickets []Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, t := range tickets {
		c.tickets[t.ID] = cachedTicket{ticket: t, fetchedAt: now}
	}
}

func (c *TicketCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tickets = make(map[int]cachedTicket)
}
