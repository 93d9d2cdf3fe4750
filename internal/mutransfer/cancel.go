package mutransfer

import "sync/atomic"

// CancellationToken is a shared, read-mostly cooperative stop flag checked
// on every pump iteration and every sleep, replacing ad-hoc boolean fields
// mutated from multiple goroutines.
type CancellationToken struct {
	flag atomic.Bool
}

// NewCancellationToken returns a token in the not-cancelled state.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

func (c *CancellationToken) Cancel()          { c.flag.Store(true) }
func (c *CancellationToken) Cancelled() bool  { return c.flag.Load() }
func (c *CancellationToken) Reset()           { c.flag.Store(false) }
