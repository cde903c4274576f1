// Package driver supplies the single background ticker task a running
// peer connection needs: a dgroup.Group-managed goroutine that calls
// Tick(now) on every registered Streamer at a configurable cadence, the
// way telepresence's connector userd service drives its own background
// goroutines with github.com/datawire/dlib/dgroup.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/peerwire/netcore/pkg/clock"
	"github.com/peerwire/netcore/pkg/config"
)

// Ticker is the minimal surface the driver needs from a registered peer
// connection: one call per tick that drives both the PqiStreamer and
// its underlying BinInterface/TcpStream, since pqistreamer.Streamer.Tick
// already does that fan-out internally.
type Ticker interface {
	Tick(ctx context.Context, now time.Time)
}

// Driver owns the registry of active peer connections and the single
// background goroutine that ticks all of them on cfg.TickInterval.
type Driver struct {
	cfg   config.Config
	clock clock.Clock

	mu      sync.Mutex
	tickers map[uuid.UUID]Ticker
}

// New constructs a Driver. Call Run to start the ticking goroutine.
func New(cfg config.Config, clk clock.Clock) *Driver {
	return &Driver{
		cfg:     cfg,
		clock:   clk,
		tickers: make(map[uuid.UUID]Ticker),
	}
}

// Register adds a peer connection (typically a *pqistreamer.Streamer) to
// the tick rotation, keyed by peer id.
func (d *Driver) Register(peerID uuid.UUID, t Ticker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickers[peerID] = t
}

// Unregister removes a peer connection from the tick rotation. It does
// not close the underlying Streamer; callers are responsible for that.
func (d *Driver) Unregister(peerID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tickers, peerID)
}

// snapshot returns the currently registered tickers, safe to range over
// without holding d.mu across the fan-out.
func (d *Driver) snapshot() map[uuid.UUID]Ticker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID]Ticker, len(d.tickers))
	for k, v := range d.tickers {
		out[k] = v
	}
	return out
}

// tickOnce runs one pass over every registered connection concurrently
// via golang.org/x/sync/errgroup. A single stream's Tick never returns
// an error (Streamer.Tick swallows its own errgroup errors), so this
// always succeeds; the errgroup is here purely to bound and wait on the
// concurrent fan-out.
func (d *Driver) tickOnce(ctx context.Context, now time.Time) {
	tickers := d.snapshot()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tickers {
		t := t
		g.Go(func() error {
			t.Tick(gctx, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		dlog.Errorf(ctx, "driver: tick pass failed: %v", err)
	}
}

// Run starts the ticking goroutine under group g, named "netcore-ticker"
// the same way the rest of the connector names its long-lived
// goroutines. Run returns as soon as the goroutine is started; the
// goroutine runs until ctx is cancelled or g shuts it down.
func (d *Driver) Run(ctx context.Context, g *dgroup.Group) {
	g.Go("netcore-ticker", func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = derror.PanicToError(r)
				dlog.Errorf(ctx, "netcore-ticker: %+v", err)
			}
		}()
		ticker := d.clock.NewTimer(d.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				d.tickOnce(ctx, d.clock.Now())
				ticker.Reset(d.cfg.TickInterval)
			}
		}
	})
}

// NewGroup is a thin convenience wrapper around dgroup.NewGroup, so
// callers needn't import dgroup directly just to start a Driver.
func NewGroup(ctx context.Context) (context.Context, *dgroup.Group) {
	ctx = dgroup.WithGoroutineName(ctx, "/netcore")
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: false,
		ShutdownOnNonError:   true,
	})
	return ctx, g
}
