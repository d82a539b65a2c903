package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perphedge/pkg/types"
)

type captureSink struct {
	mu     sync.Mutex
	quotes []types.RawQuote
}

func (c *captureSink) OnRawQuote(raw types.RawQuote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, raw)
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []types.RawQuote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RawQuote, len(c.quotes))
	copy(out, c.quotes)
	return out
}

func quietFeedLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatchTickerMessages(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	f := New("alpha", "ws://unused", []string{"BTC-PERP"}, sink, nil, quietFeedLogger())

	f.dispatch([]byte(`{"type":"ticker","symbol":"BTC-PERP","bid":100,"ask":100.1,"bid_size":5,"ask_size":7,"ts":1756036800000}`))
	f.dispatch([]byte(`{"type":"book_ticker","symbol":"ETH-PERP","bid":10,"ask":10.01,"ts":1756036800000}`))
	f.dispatch([]byte(`{"type":"pong"}`))
	f.dispatch([]byte(`{"type":"trade","symbol":"BTC-PERP"}`))
	f.dispatch([]byte(`not json`))

	quotes := sink.snapshot()
	if len(quotes) != 2 {
		t.Fatalf("forwarded %d quotes, want 2", len(quotes))
	}
	q := quotes[0]
	if q.Venue != "alpha" || q.Symbol != "BTC-PERP" || q.Bid != 100 || q.AskSize != 7 {
		t.Errorf("quote = %+v", q)
	}
	if q.EventTime != time.UnixMilli(1756036800000) {
		t.Errorf("event time = %v", q.EventTime)
	}
}

type captureDepthSink struct {
	captureSink
	depth []types.BookDepth
}

func (c *captureDepthSink) OnDepth(d types.BookDepth) {
	c.mu.Lock()
	c.depth = append(c.depth, d)
	c.mu.Unlock()
}

func TestDispatchFundingAndDepth(t *testing.T) {
	t.Parallel()
	sink := &captureDepthSink{}
	f := New("alpha", "ws://unused", []string{"BTC-PERP"}, sink, nil, quietFeedLogger())

	f.dispatch([]byte(`{"type":"ticker","symbol":"BTC-PERP","bid":100,"ask":100.1,"funding_rate":0.0001,"next_funding_ts":1756051200000,"ts":1756036800000}`))
	f.dispatch([]byte(`{"type":"ticker","symbol":"ETH-PERP","bid":10,"ask":10.01,"ts":1756036800000}`))
	f.dispatch([]byte(`{"type":"depth","symbol":"BTC-PERP","bids":[[100,5],[99.9,3]],"asks":[[100.1,4]],"ts":1756036800000}`))

	quotes := sink.snapshot()
	if len(quotes) != 2 {
		t.Fatalf("forwarded %d quotes, want 2", len(quotes))
	}
	if q := quotes[0]; q.FundingRate != 0.0001 || !q.NextFunding.Equal(time.UnixMilli(1756051200000)) {
		t.Errorf("quote = %+v, want funding fields carried through", q)
	}
	// A ticker without funding leaves NextFunding zero.
	if q := quotes[1]; q.FundingRate != 0 || !q.NextFunding.IsZero() {
		t.Errorf("quote = %+v, want no funding state", q)
	}

	sink.mu.Lock()
	depths := append([]types.BookDepth(nil), sink.depth...)
	sink.mu.Unlock()
	if len(depths) != 1 {
		t.Fatalf("forwarded %d books, want 1", len(depths))
	}
	d := depths[0]
	if d.Venue != "alpha" || len(d.Bids) != 2 || d.Bids[1].Price != 99.9 || d.Asks[0].Size != 4 {
		t.Errorf("depth = %+v", d)
	}
}

func TestConnectSubscribesAndStreams(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// First client message must be the subscription.
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil || sub.Op != "subscribe" || len(sub.Symbols) != 1 {
			t.Errorf("subscription = %+v (%v)", sub, err)
			return
		}
		conn.WriteJSON(map[string]any{
			"type": "ticker", "symbol": "BTC-PERP",
			"bid": 100.0, "ask": 100.1, "bid_size": 1.0, "ask_size": 1.0,
			"ts": time.Now().UnixMilli(),
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := &captureSink{}
	f := New("alpha", wsURL, []string{"BTC-PERP"}, sink, nil, quietFeedLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for len(sink.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no quote arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	f.Close()
	<-done
}
