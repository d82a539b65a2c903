package conn

import (
	"context"
	"errors"
	"time"

	"perphedge/internal/adapter"
	"perphedge/pkg/types"
)

// ErrSuspended is returned for trading calls refused because the venue's
// trading circuit is open.
var ErrSuspended = errors.New("conn: venue trading suspended")

// Guard wraps an adapter so every trading call is gated by the venue's
// trading-channel state and its outcome feeds the breaker. Ping stays
// ungated: heartbeats have to reach a suspended venue to ever close its
// circuit. Adapters that stream fills keep streaming through the guard.
func (s *Supervisor) Guard(inner adapter.Adapter) adapter.Adapter {
	g := &guardedAdapter{inner: inner, sup: s}
	if fs, ok := inner.(adapter.FillStreamer); ok {
		return &guardedStreamer{guardedAdapter: g, fills: fs}
	}
	return g
}

type guardedAdapter struct {
	inner adapter.Adapter
	sup   *Supervisor
}

// call runs one trading operation through the gate and reports the outcome.
// A context cancellation is the caller giving up, not venue trouble, so it
// never feeds the failure streak.
func (g *guardedAdapter) call(op func() error) error {
	venue := g.inner.Venue()
	if !g.sup.AllowRequest(venue, ChannelTrading) {
		return ErrSuspended
	}
	start := g.sup.now()
	err := op()
	switch {
	case err == nil:
		g.sup.RecordSuccess(venue, ChannelTrading, g.sup.now().Sub(start))
	case errors.Is(err, context.Canceled):
	default:
		g.sup.RecordFailure(venue, ChannelTrading, err)
	}
	return err
}

func (g *guardedAdapter) Venue() string { return g.inner.Venue() }

func (g *guardedAdapter) PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	var ack types.OrderAck
	err := g.call(func() error {
		var err error
		ack, err = g.inner.PlaceOrder(ctx, spec)
		return err
	})
	return ack, err
}

func (g *guardedAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.call(func() error { return g.inner.CancelOrder(ctx, symbol, orderID) })
}

func (g *guardedAdapter) CancelAll(ctx context.Context) error {
	return g.call(func() error { return g.inner.CancelAll(ctx) })
}

func (g *guardedAdapter) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	var ack types.OrderAck
	err := g.call(func() error {
		var err error
		ack, err = g.inner.GetOrder(ctx, symbol, orderID)
		return err
	})
	return ack, err
}

func (g *guardedAdapter) FetchBalances(ctx context.Context) ([]types.Balance, error) {
	var out []types.Balance
	err := g.call(func() error {
		var err error
		out, err = g.inner.FetchBalances(ctx)
		return err
	})
	return out, err
}

func (g *guardedAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := g.call(func() error {
		var err error
		out, err = g.inner.FetchPositions(ctx)
		return err
	})
	return out, err
}

func (g *guardedAdapter) Ping(ctx context.Context) (time.Duration, error) {
	return g.inner.Ping(ctx)
}

type guardedStreamer struct {
	*guardedAdapter
	fills adapter.FillStreamer
}

func (g *guardedStreamer) Fills() <-chan types.Fill {
	return g.fills.Fills()
}
