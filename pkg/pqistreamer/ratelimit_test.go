package pqistreamer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/peerwire/netcore/pkg/config"
)

func TestTokenBucketUnmeteredReturnsAbsMax(t *testing.T) {
	cfg := config.Default()
	tb := newTokenBucket(cfg, 1000)

	assert.Equal(t, cfg.AbsMaxBytesPerTick, tb.allowed(time.Unix(0, 0), false))
}

func TestTokenBucketDrainsAndReplenishes(t *testing.T) {
	cfg := config.Default()
	tb := newTokenBucket(cfg, 1000) // 1000 kB/s

	now := time.Unix(0, 0)
	avail := tb.allowed(now, true)
	assert.Equal(t, int64(1000*1000), avail) // maxRate*1000 per tick budget

	tb.onTransferred(now, 500_000)
	now = now.Add(100 * time.Millisecond)
	avail = tb.allowed(now, true)
	// 100ms of drain at maxRate*1000 = 1,000,000 bytes/sec removes
	// 100,000 bytes from curr.
	assert.Equal(t, int64(1000*1000)-(500_000-100_000), avail)
}

func TestTokenBucketPublishesEWMA(t *testing.T) {
	cfg := config.Default()
	cfg.AvgPeriod = time.Second
	cfg.AvgFrac = 0.5
	tb := newTokenBucket(cfg, 0)

	now := time.Unix(0, 0)
	tb.onTransferred(now, 500)
	assert.Equal(t, 0.0, tb.publishedRate()) // not yet published; window hasn't elapsed

	now = now.Add(time.Second)
	tb.onTransferred(now, 500)
	assert.InDelta(t, 0.5, tb.publishedRate(), 0.0001)
}
