// Package ratelimiter throttles round trips to MTP devices.
//
// USB MTP stacks on cheap devices stall or reset when flooded with
// GetObjectInfo requests (a directory listing issues one per child), so the
// manager takes a token from the device's bucket before every transport call.
package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DeviceLimiter hands out one token bucket per device id.
//
// Buckets are created lazily and dropped with Forget when the device closes.
// All methods are safe for concurrent use.
type DeviceLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[int]*rate.Limiter
}

// New creates a DeviceLimiter allowing requestsPerSecond sustained calls per
// device with the given burst.
//
// A requestsPerSecond of 0 disables throttling. A burst of 0 is raised to 1
// so Wait can ever succeed.
func New(requestsPerSecond float64, burst int) *DeviceLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return &DeviceLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[int]*rate.Limiter),
	}
}

// Unlimited reports whether the limiter never blocks.
func (d *DeviceLimiter) Unlimited() bool {
	return d == nil || d.limit == rate.Inf
}

func (d *DeviceLimiter) bucket(deviceID int) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buckets[deviceID]
	if !ok {
		b = rate.NewLimiter(d.limit, d.burst)
		d.buckets[deviceID] = b
	}
	return b
}

// Wait blocks until the device's bucket yields a token or ctx is done.
func (d *DeviceLimiter) Wait(ctx context.Context, deviceID int) error {
	if d.Unlimited() {
		return ctx.Err()
	}
	return d.bucket(deviceID).Wait(ctx)
}

// Allow takes a token without waiting and reports whether one was available.
func (d *DeviceLimiter) Allow(deviceID int) bool {
	if d.Unlimited() {
		return true
	}
	return d.bucket(deviceID).Allow()
}

// Forget drops the bucket of a closed device.
func (d *DeviceLimiter) Forget(deviceID int) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.buckets, deviceID)
	d.mu.Unlock()
}
