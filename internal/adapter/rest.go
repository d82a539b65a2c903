package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"perphedge/internal/config"
	"perphedge/pkg/types"
)

// RESTAdapter talks to one venue's REST order API. Every request flows
// through the venue's token bucket, then a circuit breaker; 5xx responses
// are retried by resty before they count as a breaker failure.
type RESTAdapter struct {
	venue   string
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	key     string
	secret  string
	logger  *slog.Logger
}

// NewRESTAdapter builds an adapter from the venue's registry entry.
// Credentials are read from the env vars the registry names; the values
// never appear in config files or logs. The request breaker shares the
// supervisor's tuning: open_streak failures open it, halfopen_wait later it
// lets a probe through.
func NewRESTAdapter(vc config.VenueConfig, limiter *rate.Limiter, connCfg config.ConnConfig, logger *slog.Logger) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(vc.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    vc.ID,
		Timeout: connCfg.HalfOpenWait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(connCfg.OpenStreak)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rest breaker state changed", "venue", name, "from", from.String(), "to", to.String())
		},
	})

	return &RESTAdapter{
		venue:   vc.ID,
		http:    httpClient,
		breaker: breaker,
		limiter: limiter,
		key:     os.Getenv(vc.KeyEnv),
		secret:  os.Getenv(vc.SecretEnv),
		logger:  logger.With("component", "adapter", "venue", vc.ID),
	}
}

// Venue implements Adapter.
func (a *RESTAdapter) Venue() string { return a.venue }

// sign produces the HMAC-SHA256 auth headers for one request.
func (a *RESTAdapter) sign(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"X-API-KEY":       a.key,
		"X-API-TIMESTAMP": ts,
		"X-API-SIGNATURE": hex.EncodeToString(mac.Sum(nil)),
	}
}

// do runs one authenticated request through the limiter and breaker.
func (a *RESTAdapter) do(ctx context.Context, method, path, body string, result any) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := a.breaker.Execute(func() (any, error) {
		req := a.http.R().
			SetContext(ctx).
			SetHeaders(a.sign(method, path, body))
		if body != "" {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}

// orderRequest is the wire shape for order placement.
type orderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Size     float64 `json:"size"`
	Price    float64 `json:"price,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
}

// orderResponse is the wire shape of the venue's order ack.
type orderResponse struct {
	OrderID     string  `json:"order_id"`
	Status      string  `json:"status"`
	FilledSize  float64 `json:"filled_size"`
	FilledPrice float64 `json:"filled_price"`
	Fee         float64 `json:"fee"`
}

func (r orderResponse) toAck() types.OrderAck {
	return types.OrderAck{
		OrderID:     r.OrderID,
		Status:      types.OrderStatus(r.Status),
		FilledSize:  r.FilledSize,
		FilledPrice: r.FilledPrice,
		Fee:         r.Fee,
	}
}

// PlaceOrder implements Adapter.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	req := orderRequest{
		Symbol:   spec.Symbol,
		Side:     string(spec.Side),
		Type:     string(spec.Type),
		Size:     spec.Size,
		ClientID: spec.ClientID,
	}
	if spec.Type == types.OrderPostOnly {
		req.Price = spec.Price
	}
	body, err := jsonBody(req)
	if err != nil {
		return types.OrderAck{}, err
	}

	var resp orderResponse
	if err := a.do(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return types.OrderAck{}, err
	}
	a.logger.Debug("order placed",
		"symbol", spec.Symbol,
		"side", spec.Side,
		"type", spec.Type,
		"size", spec.Size,
		"order_id", resp.OrderID,
		"status", resp.Status,
	)
	return resp.toAck(), nil
}

// CancelOrder implements Adapter.
func (a *RESTAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	path := fmt.Sprintf("/orders/%s?symbol=%s", orderID, symbol)
	return a.do(ctx, http.MethodDelete, path, "", nil)
}

// CancelAll implements Adapter.
func (a *RESTAdapter) CancelAll(ctx context.Context) error {
	return a.do(ctx, http.MethodDelete, "/orders", "", nil)
}

// GetOrder implements Adapter.
func (a *RESTAdapter) GetOrder(ctx context.Context, symbol, orderID string) (types.OrderAck, error) {
	var resp orderResponse
	path := fmt.Sprintf("/orders/%s?symbol=%s", orderID, symbol)
	if err := a.do(ctx, http.MethodGet, path, "", &resp); err != nil {
		return types.OrderAck{}, err
	}
	return resp.toAck(), nil
}

// FetchBalances implements Adapter.
func (a *RESTAdapter) FetchBalances(ctx context.Context) ([]types.Balance, error) {
	var resp []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free"`
		Locked float64 `json:"locked"`
	}
	if err := a.do(ctx, http.MethodGet, "/balances", "", &resp); err != nil {
		return nil, err
	}
	out := make([]types.Balance, len(resp))
	for i, b := range resp {
		out[i] = types.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
	}
	return out, nil
}

// FetchPositions implements Adapter.
func (a *RESTAdapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	var resp []struct {
		Symbol           string  `json:"symbol"`
		Size             float64 `json:"size"`
		EntryPrice       float64 `json:"entry_price"`
		MarkPrice        float64 `json:"mark_price"`
		LiquidationPrice float64 `json:"liquidation_price"`
	}
	if err := a.do(ctx, http.MethodGet, "/positions", "", &resp); err != nil {
		return nil, err
	}
	out := make([]types.Position, len(resp))
	for i, p := range resp {
		out[i] = types.Position{
			Venue:            a.venue,
			Symbol:           p.Symbol,
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			LiquidationPrice: p.LiquidationPrice,
		}
	}
	return out, nil
}

func jsonBody(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return string(b), nil
}

// Ping implements Adapter. It hits the venue's time endpoint unauthenticated
// so a bad key cannot mask a healthy link.
func (a *RESTAdapter) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := a.http.R().SetContext(ctx).Get("/time")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("ping: status %d", resp.StatusCode())
	}
	return time.Since(start), nil
}
