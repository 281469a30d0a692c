// Package oddsapi provides a client for The Odds API, which aggregates
// bookmaker odds for US sports. Free tier quota is tracked through response
// headers on every call.
package oddsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/clients/ratelimit"
)

const (
	defaultBaseURL = "https://api.the-odds-api.com/v4"
	apiVersion     = "v4"
)

// Event is one event with bookmaker odds from /sports/{sport}/odds.
type Event struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	SportTitle   string      `json:"sport_title"`
	CommenceTime time.Time   `json:"commence_time"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Bookmaker carries one bookmaker's markets for an event.
type Bookmaker struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	LastUpdate time.Time `json:"last_update"`
	Markets    []Market  `json:"markets"`
}

// Market is one market type (h2h, spreads, totals) with its outcomes.
type Market struct {
	Key      string    `json:"key"`
	Outcomes []Outcome `json:"outcomes"`
}

// Outcome is one priced side of a market. Price is American odds.
type Outcome struct {
	Name  string  `json:"name"`
	Price int     `json:"price"`
	Point float64 `json:"point,omitempty"`
}

// ScoreEvent is one event from /sports/{sport}/scores.
type ScoreEvent struct {
	ID           string    `json:"id"`
	SportKey     string    `json:"sport_key"`
	SportTitle   string    `json:"sport_title"`
	CommenceTime time.Time `json:"commence_time"`
	Completed    bool      `json:"completed"`
	HomeTeam     string    `json:"home_team"`
	AwayTeam     string    `json:"away_team"`
	Scores       []Score   `json:"scores"`
	LastUpdate   *string   `json:"last_update"`
}

// Score is one team's score entry. The API reports scores as strings.
type Score struct {
	Name  string `json:"name"`
	Score string `json:"score"`
}

// Client is The Odds API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        zerolog.Logger

	mu                sync.Mutex
	requestsRemaining *int
	requestsUsed      *int
}

// NewClient creates a new Odds API client.
func NewClient(apiKey string, ratePerMinute int, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: ratelimit.New(ratePerMinute),
		log:     log.With().Str("component", "odds_api").Logger(),
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Version returns the source version string stamped into snapshots.
func (c *Client) Version() string {
	return "odds_api_" + apiVersion
}

// RequestsRemaining returns the monthly quota remaining, or nil before the
// first request.
func (c *Client) RequestsRemaining() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestsRemaining
}

// RequestsUsed returns the monthly quota used, or nil before the first
// request.
func (c *Client) RequestsUsed() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestsUsed
}

// GetEvents returns upcoming events with h2h bookmaker odds for a sport.
func (c *Client) GetEvents(ctx context.Context, sportKey string) ([]Event, error) {
	params := url.Values{
		"apiKey":     {c.apiKey},
		"regions":    {"us"},
		"markets":    {"h2h"},
		"oddsFormat": {"american"},
	}

	var events []Event
	if err := c.get(ctx, "/sports/"+sportKey+"/odds", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetScores returns recent events with final scores for a sport.
// daysFrom is how many days back to look (the API accepts 1-3).
func (c *Client) GetScores(ctx context.Context, sportKey string, daysFrom int) ([]ScoreEvent, error) {
	if daysFrom < 1 {
		daysFrom = 1
	}
	params := url.Values{
		"apiKey":   {c.apiKey},
		"daysFrom": {strconv.Itoa(daysFrom)},
	}

	var scores []ScoreEvent
	if err := c.get(ctx, "/sports/"+sportKey+"/scores", params, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// get performs a rate-limited GET and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.log.Debug().Str("path", path).Msg("Making Odds API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	c.updateQuota(resp.Header)

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Odds API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// updateQuota records the monthly quota counters from response headers.
func (c *Client) updateQuota(headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := headers.Get("x-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.requestsRemaining = &n
		}
	}
	if v := headers.Get("x-requests-used"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.requestsUsed = &n
		}
	}
}
