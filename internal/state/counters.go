// Package state holds the delivery counters shared by every transport.
package state

import (
	"context"
	"sync/atomic"
)

// Snapshot is a point-in-time read of the delivery counters.
type Snapshot struct {
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// Counters records delivery outcomes. Counters only ever increase and
// every increment is atomic.
type Counters interface {
	IncSuccess(ctx context.Context) error
	IncFailed(ctx context.Context) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

var (
	_ Counters = (*MemoryCounters)(nil)
	_ Counters = (*RedisCounters)(nil)
)

// MemoryCounters keeps the counters in process memory.
type MemoryCounters struct {
	success atomic.Int64
	failed  atomic.Int64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{}
}

func (c *MemoryCounters) IncSuccess(context.Context) error {
	c.success.Add(1)
	return nil
}

func (c *MemoryCounters) IncFailed(context.Context) error {
	c.failed.Add(1)
	return nil
}

func (c *MemoryCounters) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{Success: c.success.Load(), Failed: c.failed.Load()}, nil
}
