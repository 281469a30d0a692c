package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/marketledger/marketledger/internal/events"
)

const (
	defaultFeedURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	wsSignPath     = "/trade-api/ws/v2"

	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// TickerUpdate is the latest price state of one market, in probabilities.
type TickerUpdate struct {
	MarketTicker string
	YesBid       *float64
	YesAsk       *float64
	LastPrice    *float64
	UpdatedAt    time.Time
}

// TickerFeed maintains a live price cache over the Kalshi ticker websocket
// channel. It reconnects with exponential backoff and keeps the last update
// per market.
type TickerFeed struct {
	url      string
	apiKeyID string
	signer   *Signer
	tickers  []string
	conn     *websocket.Conn
	connCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex

	eventBus *events.Bus
	log      zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cache   map[string]TickerUpdate
	cacheMu sync.RWMutex
}

// NewTickerFeed creates a ticker feed for the given market tickers.
func NewTickerFeed(apiKeyID string, signer *Signer, tickers []string, eventBus *events.Bus, log zerolog.Logger) *TickerFeed {
	return &TickerFeed{
		url:      defaultFeedURL,
		apiKeyID: apiKeyID,
		signer:   signer,
		tickers:  tickers,
		eventBus: eventBus,
		log:      log.With().Str("component", "kalshi_ticker_feed").Logger(),
		cache:    make(map[string]TickerUpdate),
		stopChan: make(chan struct{}),
	}
}

// Start initializes the websocket connection and starts the read loop
func (f *TickerFeed) Start() error {
	f.log.Info().Int("tickers", len(f.tickers)).Msg("Starting Kalshi ticker feed")

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial websocket connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readMessages(ctx)

	return nil
}

// Stop gracefully shuts down the websocket connection
func (f *TickerFeed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("Stopping Kalshi ticker feed")
	close(f.stopChan)
	return f.disconnect()
}

// IsConnected returns current connection status
func (f *TickerFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Latest returns the last ticker update for a market, if any.
func (f *TickerFeed) Latest(marketTicker string) (TickerUpdate, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	update, ok := f.cache[marketTicker]
	return update, ok
}

// Snapshot returns a copy of the full live price cache.
func (f *TickerFeed) Snapshot() map[string]TickerUpdate {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	out := make(map[string]TickerUpdate, len(f.cache))
	for k, v := range f.cache {
		out[k] = v
	}
	return out
}

func (f *TickerFeed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Connecting to Kalshi websocket")

	timestampMs := time.Now().UnixMilli()
	signature, err := f.signer.signRaw(http.MethodGet, wsSignPath, timestampMs)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("KALSHI-ACCESS-KEY", f.apiKeyID)
	header.Set("KALSHI-ACCESS-SIGNATURE", signature)
	header.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(timestampMs, 10))

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancel = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancel = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe to ticker channel: %w", err)
	}

	f.log.Info().Msg("Connected to Kalshi websocket")
	return nil
}

func (f *TickerFeed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if err != nil {
		return fmt.Errorf("error closing websocket: %w", err)
	}
	return nil
}

// subscribe sends the ticker channel subscription command.
func (f *TickerFeed) subscribe(ctx context.Context) error {
	cmd := map[string]any{
		"id":  1,
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{"ticker"},
			"market_tickers": f.tickers,
		},
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription command: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription command: %w", err)
	}
	return nil
}

// readMessages continuously reads messages from the websocket
func (f *TickerFeed) readMessages(ctx context.Context) {
	defer func() {
		f.log.Info().Msg("Read loop stopped")
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			} else if ctx.Err() != nil {
				f.log.Debug().Msg("Read cancelled by context")
			} else {
				f.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle websocket message")
		}
	}
}

// tickerMessage is the wire form of a ticker channel message.
type tickerMessage struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		YesBid       int    `json:"yes_bid"`
		YesAsk       int    `json:"yes_ask"`
		Price        int    `json:"price"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

func (f *TickerFeed) handleMessage(message []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	if msg.Type != "ticker" {
		return nil
	}

	update := TickerUpdate{
		MarketTicker: msg.Msg.MarketTicker,
		YesBid:       centsToProb(msg.Msg.YesBid),
		YesAsk:       centsToProb(msg.Msg.YesAsk),
		LastPrice:    centsToProb(msg.Msg.Price),
		UpdatedAt:    time.Now().UTC(),
	}

	f.cacheMu.Lock()
	f.cache[update.MarketTicker] = update
	f.cacheMu.Unlock()

	if f.eventBus != nil {
		f.eventBus.Emit(events.MarketTickerUpdated, "kalshi_ticker_feed", map[string]interface{}{
			"market_ticker": update.MarketTicker,
			"yes_bid":       update.YesBid,
			"yes_ask":       update.YesAsk,
			"last_price":    update.LastPrice,
		})
	}
	return nil
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (f *TickerFeed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := backoffDelay(attempt)

		if attempt <= maxReconnectAttempts {
			f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting to reconnect")
		} else {
			f.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("Reconnected to Kalshi websocket")

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx)
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
