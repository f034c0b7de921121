package ocppgate

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimits bounds what a single charge point connection may consume:
// buffered unparsed bytes and a token bucket of inbound messages.
type ConnLimits struct {
	MaxBuffer     int64
	InitialTokens int64
	Rate          int64 // tokens per second
	Burst         int64
}

func DefaultConnLimits() ConnLimits {
	return ConnLimits{
		MaxBuffer:     256 * 1024,
		InitialTokens: 100,
		Rate:          100,
		Burst:         200,
	}
}

type ConnContext struct {
	bufferUsed int64
	maxBuffer  int64

	limiter *rate.Limiter
}

func NewConnContext() *ConnContext {
	return NewConnContextWithLimits(DefaultConnLimits())
}

// NewConnContextWithLimits uses the defaults for every non-positive field
// of l.
func NewConnContextWithLimits(l ConnLimits) *ConnContext {
	d := DefaultConnLimits()
	if l.MaxBuffer <= 0 {
		l.MaxBuffer = d.MaxBuffer
	}
	if l.InitialTokens <= 0 {
		l.InitialTokens = d.InitialTokens
	}
	if l.Rate <= 0 {
		l.Rate = d.Rate
	}
	if l.Burst <= 0 {
		l.Burst = d.Burst
	}

	// A new limiter starts full; drain it down to the initial tokens.
	limiter := rate.NewLimiter(rate.Limit(l.Rate), int(l.Burst))
	if l.InitialTokens < l.Burst {
		limiter.AllowN(time.Now(), int(l.Burst-l.InitialTokens))
	}
	return &ConnContext{maxBuffer: l.MaxBuffer, limiter: limiter}
}

// Reserve accounts n buffered bytes and reports whether the connection is
// still within its quota.
func (c *ConnContext) Reserve(n int) bool {
	used := atomic.AddInt64(&c.bufferUsed, int64(n))
	return used <= c.maxBuffer
}

func (c *ConnContext) Release(n int) {
	atomic.AddInt64(&c.bufferUsed, -int64(n))
}

// Allow takes one token for an inbound message.
func (c *ConnContext) Allow() bool {
	return c.limiter.Allow()
}
