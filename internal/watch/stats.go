package watch

import "sync"

// Stats is a read-only snapshot of the watcher's lifetime counters.
type Stats struct {
	EventsSeen      int64
	FilesEnqueued   int64
	FilesMarkedDirty int64
	Overflows       int64
	ScansPerformed  int64
}

type statCounters struct {
	mu sync.Mutex
	s  Stats
}

func (c *statCounters) incEventsSeen()      { c.mu.Lock(); c.s.EventsSeen++; c.mu.Unlock() }
func (c *statCounters) incFilesEnqueued()   { c.mu.Lock(); c.s.FilesEnqueued++; c.mu.Unlock() }
func (c *statCounters) incFilesMarkedDirty() { c.mu.Lock(); c.s.FilesMarkedDirty++; c.mu.Unlock() }
func (c *statCounters) incOverflows()       { c.mu.Lock(); c.s.Overflows++; c.mu.Unlock() }
func (c *statCounters) incScansPerformed()  { c.mu.Lock(); c.s.ScansPerformed++; c.mu.Unlock() }

func (c *statCounters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
