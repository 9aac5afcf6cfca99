package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// sessionTTL is how long a login token is reused before re-authenticating.
// The upstream session lasts about 30 minutes; renew a minute early.
const sessionTTL = 29 * time.Minute

// categoryByEventType maps upstream event-type IDs to display categories.
var categoryByEventType = map[string]string{
	"1":       "Soccer",
	"2":       "Tennis",
	"4":       "Cricket",
	"7":       "Horse Racing",
	"4339":    "Greyhound Racing",
	"7524":    "Basketball",
	"7522":    "Ice Hockey",
	"468328":  "Volleyball",
	"2378961": "Tennis",
}

// Config holds the upstream exchange API settings, read from the
// environment by cmd/server.
type Config struct {
	APIURL   string // JSON-RPC betting endpoint
	LoginURL string // identity endpoint
	AppKey   string
	Username string
	Password string
}

// Client talks to the upstream exchange over JSON-RPC, implementing both
// QuoteProvider and EventInfoProvider. The session token is cached
// process-wide behind a mutex and renewed on expiry.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates an upstream exchange client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"username": {c.cfg.Username}, "password": {c.cfg.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Application", c.cfg.AppKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Token  string `json:"token"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.Status != "SUCCESS" {
		return "", fmt.Errorf("login failed: %s", body.Error)
	}

	c.token = body.Token
	c.tokenExpiry = time.Now().Add(sessionTTL)
	slog.Info("market-data session renewed")
	return c.token, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal([]rpcRequest{{JSONRPC: "2.0", Method: method, Params: params, ID: 1}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("X-Application", c.cfg.AppKey)
	req.Header.Set("X-Authentication", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope []struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if len(envelope) == 0 || envelope[0].Result == nil {
		return ErrUnavailable
	}
	return json.Unmarshal(envelope[0].Result, result)
}

type priceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// GetBestPrices fetches the live ladders for one runner. A market or
// runner missing upstream yields ErrUnavailable.
func (c *Client) GetBestPrices(ctx context.Context, marketID, selectionID string) (*model.MarketQuote, error) {
	params := map[string]any{
		"marketIds": []string{marketID},
		"priceProjection": map[string]any{
			"priceData":  []string{"EX_BEST_OFFERS"},
			"virtualise": true,
		},
	}

	var books []struct {
		Runners []struct {
			SelectionID json.Number `json:"selectionId"`
			Ex          struct {
				AvailableToBack []priceSize `json:"availableToBack"`
				AvailableToLay  []priceSize `json:"availableToLay"`
			} `json:"ex"`
		} `json:"runners"`
	}
	if err := c.call(ctx, "SportsAPING/v1.0/listMarketBook", params, &books); err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, ErrUnavailable
	}

	for _, r := range books[0].Runners {
		if r.SelectionID.String() != selectionID {
			continue
		}
		quote := &model.MarketQuote{MarketID: marketID, SelectionID: selectionID}
		for _, ps := range r.Ex.AvailableToBack {
			quote.AvailableToBack = append(quote.AvailableToBack, model.PriceSize(ps))
		}
		for _, ps := range r.Ex.AvailableToLay {
			quote.AvailableToLay = append(quote.AvailableToLay, model.PriceSize(ps))
		}
		return quote, nil
	}
	return nil, ErrUnavailable
}

// GetEventInfo fetches event name and category for a market. Callers use
// model.PlaceholderEventInfo on error.
func (c *Client) GetEventInfo(ctx context.Context, marketID string) (model.EventInfo, error) {
	params := map[string]any{
		"filter":           map[string]any{"marketIds": []string{marketID}},
		"maxResults":       "1",
		"marketProjection": []string{"EVENT", "EVENT_TYPE"},
	}

	var catalogue []struct {
		Event struct {
			Name string `json:"name"`
		} `json:"event"`
		EventType struct {
			ID   json.Number `json:"id"`
			Name string      `json:"name"`
		} `json:"eventType"`
	}
	if err := c.call(ctx, "SportsAPING/v1.0/listMarketCatalogue", params, &catalogue); err != nil {
		return model.EventInfo{}, err
	}
	if len(catalogue) == 0 || catalogue[0].Event.Name == "" {
		return model.EventInfo{}, ErrUnavailable
	}

	category := categoryByEventType[catalogue[0].EventType.ID.String()]
	if category == "" {
		category = catalogue[0].EventType.Name
	}
	if category == "" {
		category = "Other"
	}
	return model.EventInfo{EventName: catalogue[0].Event.Name, Category: category}, nil
}
