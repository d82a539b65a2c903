// Package feed streams market data from venue websockets into the quote
// pipeline.
//
// One Feed per venue. It auto-reconnects with exponential backoff (1s to
// 30s), re-subscribes to all tracked symbols on reconnection, and keeps a
// read deadline so a silent server is detected within two missed pings.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perphedge/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// QuoteSink receives validated raw quotes. The quote pipeline implements it.
type QuoteSink interface {
	OnRawQuote(raw types.RawQuote)
}

// DepthSink receives book-depth snapshots. Sinks that also implement it get
// the venue's depth stream; the quote pipeline does.
type DepthSink interface {
	OnDepth(depth types.BookDepth)
}

// ConnState receives connection lifecycle callbacks for the market-data
// channel. The connection supervisor implements it; may be nil.
type ConnState interface {
	MarkConnecting(venue string)
	MarkConnected(venue string)
	MarkDisconnected(venue string)
}

// Feed maintains one venue's market-data websocket.
type Feed struct {
	venue string
	url   string
	sink  QuoteSink
	depth DepthSink // nil when the sink does not take depth
	state ConnState

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[string]bool

	logger *slog.Logger
}

// New creates a feed for one venue. state may be nil.
func New(venue, wsURL string, symbols []string, sink QuoteSink, state ConnState, logger *slog.Logger) *Feed {
	f := &Feed{
		venue:      venue,
		url:        wsURL,
		sink:       sink,
		state:      state,
		subscribed: make(map[string]bool, len(symbols)),
		logger:     logger.With("component", "feed", "venue", venue),
	}
	if ds, ok := sink.(DepthSink); ok {
		f.depth = ds
	}
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	return f
}

// Run connects and maintains the websocket with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if f.state != nil {
			f.state.MarkDisconnected(f.venue)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the feed (takes effect immediately when
// connected, and on every reconnect).
func (f *Feed) Subscribe(symbols []string) error {
	f.subMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subMu.Unlock()
	return f.writeJSON(subscribeMsg{Op: "subscribe", Symbols: symbols})
}

// Close closes the underlying connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type subscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// tickerMsg is the venue's book-ticker event shape. Funding fields are
// optional; venues that settle funding publish them on the same stream.
type tickerMsg struct {
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	BidSize       float64 `json:"bid_size"`
	AskSize       float64 `json:"ask_size"`
	FundingRate   float64 `json:"funding_rate"`
	NextFundingTs int64   `json:"next_funding_ts"` // unix millis, 0 when absent
	Timestamp     int64   `json:"ts"`              // unix millis
}

// depthMsg is the venue's partial-book event shape: [price, size] pairs,
// bids descending and asks ascending.
type depthMsg struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
	Timestamp int64       `json:"ts"`
}

func bookLevels(pairs [][]float64) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		out = append(out, types.BookLevel{Price: p[0], Size: p[1]})
	}
	return out
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	if f.state != nil {
		f.state.MarkConnecting(f.venue)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if f.state != nil {
		f.state.MarkConnected(f.venue)
	}
	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subMu.RUnlock()
	return f.writeJSON(subscribeMsg{Op: "subscribe", Symbols: symbols})
}

func (f *Feed) dispatch(data []byte) {
	var msg tickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	switch msg.Type {
	case "ticker", "book_ticker":
		raw := types.RawQuote{
			Venue:       f.venue,
			Symbol:      msg.Symbol,
			Bid:         msg.Bid,
			Ask:         msg.Ask,
			BidSize:     msg.BidSize,
			AskSize:     msg.AskSize,
			FundingRate: msg.FundingRate,
			EventTime:   time.UnixMilli(msg.Timestamp),
		}
		if msg.NextFundingTs > 0 {
			raw.NextFunding = time.UnixMilli(msg.NextFundingTs)
		}
		f.sink.OnRawQuote(raw)
	case "depth", "book_depth":
		if f.depth == nil {
			return
		}
		var dm depthMsg
		if err := json.Unmarshal(data, &dm); err != nil {
			return
		}
		f.depth.OnDepth(types.BookDepth{
			Venue:     f.venue,
			Symbol:    dm.Symbol,
			Bids:      bookLevels(dm.Bids),
			Asks:      bookLevels(dm.Asks),
			EventTime: time.UnixMilli(dm.Timestamp),
		})
	case "pong", "subscribed":
		// keep-alive traffic
	default:
		f.logger.Debug("unknown ws event type", "type", msg.Type)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"op": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
