package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultURL = "https://api.changenow.io"

// Pair selects the currencies and networks on both sides of an order.
type Pair struct {
	FromCurrency string `yaml:"from_currency"`
	ToCurrency   string `yaml:"to_currency"`
	FromNetwork  string `yaml:"from_network"`
	ToNetwork    string `yaml:"to_network"`
}

func (p Pair) validate() error {
	if p.FromCurrency == "" || p.ToCurrency == "" {
		return fmt.Errorf("exchange pair: currencies required")
	}
	return nil
}

// Client creates fixed-pair exchange orders that pay out to an address the
// funnel watches.
type Client struct {
	host       string
	apiKey     string
	pair       Pair
	httpClient *http.Client
}

func NewClient(host, apiKey string, pair Pair) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("exchange url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("exchange url must be http(s), got %q", host)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("exchange api key required")
	}
	if err := pair.validate(); err != nil {
		return nil, err
	}

	return &Client{
		host:   host,
		apiKey: strings.TrimSpace(apiKey),
		pair:   pair,
		httpClient: &http.Client{
			Timeout: 12 * time.Second,
		},
	}, nil
}

type orderRequest struct {
	FromCurrency string          `json:"fromCurrency"`
	ToCurrency   string          `json:"toCurrency"`
	FromNetwork  string          `json:"fromNetwork,omitempty"`
	ToNetwork    string          `json:"toNetwork,omitempty"`
	FromAmount   decimal.Decimal `json:"fromAmount"`
	Address      string          `json:"address"`
}

// Order is the subset of the exchange response the funnel uses.
type Order struct {
	ID            string `json:"id"`
	PayinAddress  string `json:"payinAddress"`
	PayoutAddress string `json:"payoutAddress"`
}

// CreateOrder asks the exchange to pay amount (in display units of the
// from-currency) out to payoutAddress. The returned payin address is where
// payers send funds.
func (c *Client) CreateOrder(ctx context.Context, payoutAddress string, amount decimal.Decimal) (Order, error) {
	if c == nil {
		return Order{}, fmt.Errorf("exchange client nil")
	}
	payoutAddress = strings.TrimSpace(payoutAddress)
	if payoutAddress == "" {
		return Order{}, fmt.Errorf("exchange payout address required")
	}
	if !amount.IsPositive() {
		return Order{}, fmt.Errorf("exchange amount must be > 0, got %s", amount)
	}

	body, err := json.Marshal(orderRequest{
		FromCurrency: c.pair.FromCurrency,
		ToCurrency:   c.pair.ToCurrency,
		FromNetwork:  c.pair.FromNetwork,
		ToNetwork:    c.pair.ToNetwork,
		FromAmount:   amount,
		Address:      payoutAddress,
	})
	if err != nil {
		return Order{}, err
	}

	endpoint := c.host + "/v2/exchange"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Order{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-changenow-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Order{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b := readBodyLimit(resp.Body, 8<<10)
		return Order{}, fmt.Errorf("exchange %s: status=%d body=%q", endpoint, resp.StatusCode, b)
	}

	var out Order
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Order{}, fmt.Errorf("exchange decode: %w", err)
	}
	if out.ID == "" || out.PayinAddress == "" {
		return Order{}, fmt.Errorf("exchange response missing id or payinAddress")
	}
	return out, nil
}

func readBodyLimit(r io.Reader, limit int64) string {
	if r == nil {
		return ""
	}
	if limit <= 0 {
		limit = 8 << 10
	}
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(b)
}
