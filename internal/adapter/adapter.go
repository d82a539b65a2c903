// Package adapter defines the venue-facing execution contract and two
// implementations: a generic REST adapter and a paper adapter for dry runs.
//
// The executor talks only to these interfaces; everything venue-specific
// (auth, endpoints, breakers, rate limits) stays behind them.
package adapter

import (
	"context"
	"errors"
	"time"

	"perphedge/pkg/types"
)

// ErrCircuitOpen is returned when the venue's request breaker rejects the
// call without touching the network.
var ErrCircuitOpen = errors.New("adapter: circuit open")

// Adapter is the order-management surface for one venue.
type Adapter interface {
	// Venue returns the venue id this adapter serves.
	Venue() string

	// PlaceOrder submits an order and returns the venue's ack. For market
	// orders the ack usually carries the fill; post-only orders come back
	// live (or rejected if they would cross).
	PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAll cancels every resting order on the venue. Used as the
	// kill-switch and shutdown safety net; best-effort.
	CancelAll(ctx context.Context) error

	// GetOrder fetches the current status of an order. The executor polls
	// this when no push fill stream is available.
	GetOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error)

	// FetchBalances returns current asset balances.
	FetchBalances(ctx context.Context) ([]types.Balance, error)

	// FetchPositions returns open positions.
	FetchPositions(ctx context.Context) ([]types.Position, error)

	// Ping measures round-trip time to the venue. The connection supervisor
	// calls this on its heartbeat cadence.
	Ping(ctx context.Context) (time.Duration, error)
}

// FillStreamer is implemented by adapters that push fills. The executor
// prefers the stream and falls back to GetOrder polling without one.
type FillStreamer interface {
	Fills() <-chan types.Fill
}
