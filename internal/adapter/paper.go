package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"perphedge/pkg/types"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// Latency injected into every call.
	Latency time.Duration
	// FailRate is the probability a placement errors outright.
	FailRate float64
	// MakerFillRatio is the probability a resting post-only order fills
	// within MakerFillDelay instead of sitting unfilled.
	MakerFillRatio float64
	// MakerFillDelay is how long a maker fill takes to arrive.
	MakerFillDelay time.Duration
	// Slippage applied to market fills, as a fraction of price.
	Slippage float64
	// TakerFeeRate and MakerFeeRate price the simulated fills.
	TakerFeeRate float64
	MakerFeeRate float64
}

// DefaultPaperConfig returns a mildly adversarial simulation: occasional
// placement failures and roughly one in four maker orders timing out.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Latency:        5 * time.Millisecond,
		FailRate:       0.02,
		MakerFillRatio: 0.75,
		MakerFillDelay: 300 * time.Millisecond,
		Slippage:       0.0002,
		TakerFeeRate:   0.0005,
		MakerFeeRate:   -0.0001,
	}
}

// paperOrder is one simulated resting order.
type paperOrder struct {
	spec     types.OrderSpec
	ack      types.OrderAck
	willFill bool
	fillAt   time.Time
}

// PaperAdapter simulates a venue in-process. Market orders fill immediately
// with slippage; post-only orders rest and either fill after MakerFillDelay
// or sit live until cancelled. Fills are pushed on the stream the way a real
// user-data feed would deliver them.
type PaperAdapter struct {
	venue  string
	cfg    PaperConfig
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*paperOrder
	rng    *rand.Rand

	fills chan types.Fill
}

// NewPaperAdapter creates a simulated adapter. Seed fixes the randomness so
// tests are deterministic; pass 0 for a time-based seed.
func NewPaperAdapter(venue string, cfg PaperConfig, seed int64, logger *slog.Logger) *PaperAdapter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperAdapter{
		venue:  venue,
		cfg:    cfg,
		logger: logger.With("component", "paper", "venue", venue),
		orders: make(map[string]*paperOrder),
		rng:    rand.New(rand.NewSource(seed)),
		fills:  make(chan types.Fill, 64),
	}
}

// Venue implements Adapter.
func (a *PaperAdapter) Venue() string { return a.venue }

// Fills implements FillStreamer.
func (a *PaperAdapter) Fills() <-chan types.Fill { return a.fills }

func (a *PaperAdapter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// PlaceOrder implements Adapter.
func (a *PaperAdapter) PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return types.OrderAck{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.cfg.FailRate {
		return types.OrderAck{}, fmt.Errorf("paper %s: simulated placement failure", a.venue)
	}

	id := uuid.NewString()
	switch spec.Type {
	case types.OrderMarket:
		price := spec.Price * (1 + a.cfg.Slippage*spec.Side.Sign())
		fee := price * spec.Size * a.cfg.TakerFeeRate
		ack := types.OrderAck{
			OrderID:     id,
			Status:      types.OrderFilled,
			FilledSize:  spec.Size,
			FilledPrice: price,
			Fee:         fee,
		}
		a.orders[id] = &paperOrder{spec: spec, ack: ack}
		a.emitFill(spec, id, price, spec.Size, fee)
		return ack, nil

	case types.OrderPostOnly:
		ord := &paperOrder{
			spec: spec,
			ack:  types.OrderAck{OrderID: id, Status: types.OrderLive},
		}
		if a.rng.Float64() < a.cfg.MakerFillRatio {
			ord.willFill = true
			ord.fillAt = time.Now().Add(a.cfg.MakerFillDelay)
			go a.settleMaker(id)
		}
		a.orders[id] = ord
		return ord.ack, nil

	default:
		return types.OrderAck{}, fmt.Errorf("paper %s: unsupported order type %q", a.venue, spec.Type)
	}
}

// settleMaker fills a resting order after its delay, unless it was cancelled.
func (a *PaperAdapter) settleMaker(id string) {
	a.mu.Lock()
	ord, ok := a.orders[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delay := time.Until(ord.fillAt)
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok = a.orders[id]
	if !ok || ord.ack.Status != types.OrderLive {
		return
	}
	fee := ord.spec.Price * ord.spec.Size * a.cfg.MakerFeeRate
	ord.ack.Status = types.OrderFilled
	ord.ack.FilledSize = ord.spec.Size
	ord.ack.FilledPrice = ord.spec.Price
	ord.ack.Fee = fee
	a.emitFill(ord.spec, id, ord.spec.Price, ord.spec.Size, fee)
}

func (a *PaperAdapter) emitFill(spec types.OrderSpec, id string, price, size, fee float64) {
	fill := types.Fill{
		Venue:   a.venue,
		Symbol:  spec.Symbol,
		OrderID: id,
		Side:    spec.Side,
		Price:   price,
		Size:    size,
		Fee:     fee,
		Time:    time.Now(),
	}
	select {
	case a.fills <- fill:
	default:
		a.logger.Warn("fill channel full, dropping fill", "order_id", id)
	}
}

// CancelOrder implements Adapter. Cancelling a filled order is an error,
// matching real venue semantics.
func (a *PaperAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[orderID]
	if !ok {
		return fmt.Errorf("paper %s: unknown order %s", a.venue, orderID)
	}
	if ord.ack.Status == types.OrderFilled {
		return fmt.Errorf("paper %s: order %s already filled", a.venue, orderID)
	}
	ord.ack.Status = types.OrderCancelled
	return nil
}

// CancelAll implements Adapter.
func (a *PaperAdapter) CancelAll(ctx context.Context) error {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ord := range a.orders {
		if ord.ack.Status == types.OrderLive {
			ord.ack.Status = types.OrderCancelled
		}
	}
	return nil
}

// GetOrder implements Adapter.
func (a *PaperAdapter) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return types.OrderAck{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[orderID]
	if !ok {
		return types.OrderAck{}, fmt.Errorf("paper %s: unknown order %s", a.venue, orderID)
	}
	return ord.ack, nil
}

// FetchBalances implements Adapter.
func (a *PaperAdapter) FetchBalances(ctx context.Context) ([]types.Balance, error) {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return nil, err
	}
	return []types.Balance{{Asset: "USDT", Free: 1_000_000}}, nil
}

// FetchPositions implements Adapter.
func (a *PaperAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return nil, err
	}
	return nil, nil
}

// Ping implements Adapter.
func (a *PaperAdapter) Ping(ctx context.Context) (time.Duration, error) {
	if err := a.sleep(ctx, a.cfg.Latency); err != nil {
		return 0, err
	}
	return a.cfg.Latency, nil
}
