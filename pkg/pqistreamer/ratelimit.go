package pqistreamer

import (
	"time"

	"github.com/peerwire/netcore/pkg/config"
)

// tokenBucket implements a drained-counter rate limiter: curr drains at
// maxPerTick bytes/second (clamped to a 5s window per query) and every
// send/recv tops it back up by the bytes actually moved. It is
// deliberately not golang.org/x/time/rate: that package models a
// continuously-refilling bucket queried via Allow/Reserve, which doesn't
// expose the "how many bytes may I send right now" query this algorithm
// needs without either double-accounting or drifting from the bit-exact
// drain formula below.
type tokenBucket struct {
	maxRate int64 // kB/s; 0 means unmetered
	curr    int64
	lastTS  time.Time

	absMax int64

	// EWMA throughput publication.
	avgPeriod   time.Duration
	avgFrac     float64
	windowBytes int64
	windowStart time.Time
	published   float64
}

func newTokenBucket(cfg config.Config, maxRate int64) *tokenBucket {
	return &tokenBucket{
		maxRate:   maxRate,
		absMax:    cfg.AbsMaxBytesPerTick,
		avgPeriod: cfg.AvgPeriod,
		avgFrac:   cfg.AvgFrac,
	}
}

// allowed returns how many bytes may be sent/received right now. An
// unmetered direction (bandwidthLimited false, or no rate configured)
// always returns the absolute per-tick cap.
func (t *tokenBucket) allowed(now time.Time, bandwidthLimited bool) int64 {
	if !bandwidthLimited || t.maxRate == 0 {
		return t.absMax
	}
	maxPerTick := t.maxRate * 1000

	if t.lastTS.IsZero() {
		t.lastTS = now
	}
	elapsed := now.Sub(t.lastTS).Seconds()
	if elapsed > 5 {
		elapsed = 5
	}
	if elapsed > 0 {
		drained := int64(float64(maxPerTick) * elapsed)
		t.curr -= drained
		if t.curr < 0 {
			t.curr = 0
		}
		t.lastTS = now
	}

	avail := maxPerTick - t.curr
	if avail < 0 {
		avail = 0
	}
	return avail
}

// onTransferred records n bytes moved, advancing both the drained
// counter and the EWMA publication window.
func (t *tokenBucket) onTransferred(now time.Time, n int64) float64 {
	if n <= 0 {
		return t.published
	}
	t.curr += n

	if t.windowStart.IsZero() {
		t.windowStart = now
	}
	t.windowBytes += n

	if elapsed := now.Sub(t.windowStart); elapsed >= t.avgPeriod {
		secs := elapsed.Seconds()
		sample := 0.0
		if secs > 0 {
			sample = float64(t.windowBytes) / (1000 * secs)
		}
		t.published = t.avgFrac*t.published + (1-t.avgFrac)*sample
		t.windowBytes = 0
		t.windowStart = now
	}
	return t.published
}

// publishedRate returns the last EWMA-smoothed rate in kB/s without
// recording a transfer.
func (t *tokenBucket) publishedRate() float64 { return t.published }
