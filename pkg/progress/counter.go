package progress

import (
	"fmt"
	"sync"
)

// Counter turns per-item completions into "fetching 3/12" updates.
type Counter struct {
	mu     sync.Mutex
	p      Progress
	label  string
	total  int
	done   int
	failed int
}

// NewCounter creates a counter over total items.
func NewCounter(p Progress, label string, total int) *Counter {
	if p == nil {
		p = Noop{}
	}
	return &Counter{p: p, label: label, total: total}
}

// Start starts the underlying indicator.
func (c *Counter) Start() error {
	return c.p.Start(c.message())
}

// Done records one completed item.
func (c *Counter) Done(ok bool) {
	c.mu.Lock()
	c.done++
	if !ok {
		c.failed++
	}
	msg := c.message()
	c.mu.Unlock()
	_ = c.p.Update(msg)
}

// Finish stops the indicator with a summary line.
func (c *Counter) Finish() error {
	c.mu.Lock()
	done, failed := c.done, c.failed
	c.mu.Unlock()

	if failed > 0 {
		return c.p.Failure(fmt.Sprintf("%s %d/%d, %d failed", c.label, done-failed, c.total, failed))
	}
	return c.p.Success(fmt.Sprintf("%s %d/%d", c.label, done, c.total))
}

// Counts returns completed and failed items.
func (c *Counter) Counts() (done, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, c.failed
}

func (c *Counter) message() string {
	if c.failed > 0 {
		return fmt.Sprintf("%s %d/%d (%d failed)", c.label, c.done, c.total, c.failed)
	}
	return fmt.Sprintf("%s %d/%d", c.label, c.done, c.total)
}
