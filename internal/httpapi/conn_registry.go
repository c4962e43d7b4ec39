package httpapi

import (
	"sort"
	"sync"
	"time"
)

// ConnRegistry tracks open streaming connections by id so shutdown can drain
// them. While draining, new connections are refused and open ones are left to
// finish their conversation.
type ConnRegistry struct {
	mu       sync.Mutex
	draining bool
	open     map[string]time.Time
	wg       sync.WaitGroup
	now      func() time.Time
}

// OpenConn describes a connection that has not finished yet.
type OpenConn struct {
	ID    string
	Since time.Time
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		open: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Add registers connection id. It returns false once draining started or when
// the id is already registered.
func (cr *ConnRegistry) Add(id string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	if _, ok := cr.open[id]; ok {
		return false
	}
	cr.open[id] = cr.now()
	cr.wg.Add(1)
	return true
}

// Done marks connection id as finished. Unknown or repeated ids are ignored.
func (cr *ConnRegistry) Done(id string) {
	cr.mu.Lock()
	_, ok := cr.open[id]
	delete(cr.open, id)
	cr.mu.Unlock()
	if ok {
		cr.wg.Done()
	}
}

// StartDraining makes every later Add return false.
func (cr *ConnRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.draining = true
}

func (cr *ConnRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns the number of open connections.
func (cr *ConnRegistry) ActiveCount() int64 {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return int64(len(cr.open))
}

// Open lists open connections, oldest first.
func (cr *ConnRegistry) Open() []OpenConn {
	cr.mu.Lock()
	out := make([]OpenConn, 0, len(cr.open))
	for id, since := range cr.open {
		out = append(out, OpenConn{ID: id, Since: since})
	}
	cr.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Wait blocks until every admitted connection has called Done.
func (cr *ConnRegistry) Wait() {
	cr.wg.Wait()
}

// Drain starts draining and waits up to timeout for open connections to
// finish. It reports whether they all did.
func (cr *ConnRegistry) Drain(timeout time.Duration) bool {
	cr.StartDraining()
	done := make(chan struct{})
	go func() {
		cr.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
