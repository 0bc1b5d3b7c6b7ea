package cachemanager

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// RequestCoalescer prevents cache stampede: concurrent callers for the same
// key share one in-flight compute via golang.org/x/sync/singleflight, with
// every waiter receiving the single result.
//
// This is critical for preventing thundering herd on cache misses, where
// many goroutines simultaneously request the same expired/missing key,
// causing N identical database/origin queries instead of 1.
type RequestCoalescer struct {
	group    singleflight.Group
	inFlight atomic.Int32
}

// NewRequestCoalescer creates a new request coalescer.
func NewRequestCoalescer() *RequestCoalescer {
	return &RequestCoalescer{}
}

// Do executes and returns the results of fn, ensuring only one execution is
// in-flight for key at a time. A duplicate call waits for the original and
// receives the same result.
func (c *RequestCoalescer) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	val, err, _ := c.group.Do(key, fn)
	return val, err
}

// Forget tells the coalescer to forget about key, so the next Do call for
// it executes fn rather than waiting on a call that's already returned.
func (c *RequestCoalescer) Forget(key string) {
	c.group.Forget(key)
}

// InFlight returns the number of currently in-flight requests.
func (c *RequestCoalescer) InFlight() int {
	return int(c.inFlight.Load())
}
