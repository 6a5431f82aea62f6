package supervise

import (
	"context"
	"sync"
	"time"
)

// Status is the normalized terminal record for one task or exec: set exactly
// once, immutable afterwards, observed identically by every waiter.
type Status struct {
	Code     uint32
	Signal   uint32 // 0 = none
	ExitedAt time.Time
	// IOErr records a non-fatal stream fault observed while draining
	// output. It never changes Code.
	IOErr error
}

// ExitCell is a single-writer, multiple-reader notification cell. The first
// Set wins; later writes are ignored. Waiters before and after the write all
// observe the same Status.
type ExitCell struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
	st   Status
}

// NewExitCell creates an empty cell.
func NewExitCell() *ExitCell {
	return &ExitCell{done: make(chan struct{})}
}

// Set stores the terminal status. Returns false if the cell already held one.
func (c *ExitCell) Set(st Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return false
	}
	c.st = st
	c.set = true
	close(c.done)
	return true
}

// SetIOErr attaches a non-fatal I/O error to the status if the cell is still
// unset. No-op once the terminal status has been published.
func (c *ExitCell) SetIOErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.st.IOErr = err
	}
}

// Guard returns a function that, when called, sets the cell with the result
// of fallback unless a status was stored in the meantime. Deferring the
// returned function guarantees a terminal status on every path out of an
// invocation, even a panicking one.
func (c *ExitCell) Guard(fallback func() Status) func() {
	return func() {
		c.Set(fallback())
	}
}

// TryWait returns the status without blocking.
func (c *ExitCell) TryWait() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, c.set
}

// Wait blocks until the cell is set or the context is cancelled.
func (c *ExitCell) Wait(ctx context.Context) (Status, error) {
	select {
	case <-c.done:
		return c.mustGet(), nil
	case <-ctx.Done():
		// The status may have been set while we raced the context.
		select {
		case <-c.done:
			return c.mustGet(), nil
		default:
			return Status{}, ctx.Err()
		}
	}
}

// Done exposes the completion channel for select loops.
func (c *ExitCell) Done() <-chan struct{} {
	return c.done
}

func (c *ExitCell) mustGet() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}
