// Package kalshi provides a client for the Kalshi prediction market API.
// Kalshi lists event contracts including sports outcomes; requests are
// authenticated with an RSA key.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/clients/ratelimit"
)

const (
	defaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	apiPrefix      = "/trade-api/v2"
	apiVersion     = "v2"
)

// Market is one Kalshi market. Prices are in cents (0-100).
type Market struct {
	Ticker       string     `json:"ticker"`
	EventTicker  string     `json:"event_ticker"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	YesBid       int        `json:"yes_bid"`
	YesAsk       int        `json:"yes_ask"`
	NoBid        int        `json:"no_bid"`
	NoAsk        int        `json:"no_ask"`
	Volume       int64      `json:"volume"`
	OpenInterest int64      `json:"open_interest"`
	CloseTime    *time.Time `json:"close_time"`
}

// MarketsPage is one page from /markets.
type MarketsPage struct {
	Markets []Market `json:"markets"`
	Cursor  string   `json:"cursor"`
}

// Orderbook is the yes/no order book of a market. Each level is a
// [price_cents, quantity] pair.
type Orderbook struct {
	Yes [][2]int64 `json:"yes"`
	No  [][2]int64 `json:"no"`
}

// ExchangeStatus reports whether trading is active.
type ExchangeStatus struct {
	ExchangeActive bool `json:"exchange_active"`
	TradingActive  bool `json:"trading_active"`
}

// Client is the Kalshi REST client.
type Client struct {
	baseURL    string
	apiKeyID   string
	signer     *Signer
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        zerolog.Logger
}

// NewClient creates a new Kalshi client. The signer holds the RSA private
// key matching the API key ID.
func NewClient(apiKeyID string, signer *Signer, ratePerMinute int, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  defaultBaseURL,
		apiKeyID: apiKeyID,
		signer:   signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: ratelimit.New(ratePerMinute),
		log:     log.With().Str("component", "kalshi").Logger(),
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Version returns the source version string stamped into snapshots.
func (c *Client) Version() string {
	return "kalshi_" + apiVersion
}

// Authenticate verifies the credentials work. RSA auth has no login step, so
// this just makes a signed request.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.GetExchangeStatus(ctx)
	return err
}

// GetExchangeStatus returns the exchange trading status.
func (c *Client) GetExchangeStatus(ctx context.Context) (*ExchangeStatus, error) {
	var status ExchangeStatus
	if err := c.get(ctx, "/exchange/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetMarkets returns open markets for a series, following pagination
// cursors until the listing is exhausted.
func (c *Client) GetMarkets(ctx context.Context, seriesTicker string) ([]Market, error) {
	var all []Market
	cursor := ""

	for {
		params := url.Values{
			"status": {"open"},
			"limit":  {strconv.Itoa(100)},
		}
		if seriesTicker != "" {
			params.Set("series_ticker", seriesTicker)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page MarketsPage
		if err := c.get(ctx, "/markets", params, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// GetMarket returns one market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	var resp struct {
		Market Market `json:"market"`
	}
	if err := c.get(ctx, "/markets/"+ticker, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Market, nil
}

// GetOrderbook returns the current order book for a market.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*Orderbook, error) {
	var resp struct {
		Orderbook Orderbook `json:"orderbook"`
	}
	if err := c.get(ctx, "/markets/"+ticker+"/orderbook", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Orderbook, nil
}

// get performs a rate-limited, signed GET and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if err := c.authorize(req, http.MethodGet, path); err != nil {
		return err
	}

	c.log.Debug().Str("path", path).Msg("Making Kalshi request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Kalshi API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// authorize attaches the Kalshi signature headers.
func (c *Client) authorize(req *http.Request, method, path string) error {
	timestampMs := time.Now().UnixMilli()
	signature, err := c.signer.Sign(method, path, timestampMs)
	if err != nil {
		return err
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", signature)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(timestampMs, 10))
	return nil
}
