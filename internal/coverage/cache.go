package coverage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gradeflow/internal/models"
)

// Cache memoizes reports per document identity and options so repeated reads
// return the exact same report. Entries live for ttl and expired ones are
// dropped whenever a report is built.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	reports map[string]cachedReport
}

type cachedReport struct {
	report Report
	stored time.Time
}

// NewCache keeps reports for ttl; a non-positive ttl keeps them until Forget.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, reports: map[string]cachedReport{}}
}

func cacheKey(key string, opts Options) string {
	return fmt.Sprintf("%s|low=%g", key, opts.LowConfidence)
}

func (c *Cache) Get(key string, pages []models.Page, visuals []models.ExtractedVisual, opts Options) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	k := cacheKey(key, opts)
	if e, ok := c.reports[k]; ok && !c.expired(e, now) {
		return e.report
	}
	for id, e := range c.reports {
		if c.expired(e, now) {
			delete(c.reports, id)
		}
	}
	r := Build(pages, visuals, opts)
	c.reports[k] = cachedReport{report: r, stored: now}
	return r
}

func (c *Cache) expired(e cachedReport, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.stored) > c.ttl
}

// Forget drops every report cached for the document, whatever its options.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := key + "|"
	for k := range c.reports {
		if strings.HasPrefix(k, prefix) {
			delete(c.reports, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}
