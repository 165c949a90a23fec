package coingecko

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

var baseURL, _ = url.Parse("https://api.coingecko.com/api/v3")

const (
	defaultFetchTimeout = 15 * time.Second
	ethereumID          = "ethereum"
)

// Client is a client for the public fiat quote API. No API key is required.
type Client struct {
	httpClient   *http.Client
	fetchTimeout time.Duration
}

// NewClient creates a new client for the fiat quote API
func NewClient(httpClient *http.Client) *Client {
	c := &Client{httpClient: httpClient, fetchTimeout: defaultFetchTimeout}
	if ms := env.GetInt("FETCH_TIMEOUT_MS"); ms > 0 {
		c.fetchTimeout = time.Duration(ms) * time.Millisecond
	}
	return c
}

// GetEthPrice fetches the current ETH spot price in the given fiat currencies,
// defaulting to USD. The result maps lower-case currency codes to prices.
func (c *Client) GetEthPrice(ctx context.Context, vsCurrencies ...string) (map[string]float64, error) {
	if len(vsCurrencies) == 0 {
		vsCurrencies = []string{"usd"}
	}

	url := baseURL.JoinPath("simple", "price")
	query := url.Query()
	query.Set("ids", ethereumID)
	query.Set("vs_currencies", strings.ToLower(strings.Join(vsCurrencies, ",")))
	url.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.ErrTransient{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, retry.FromResponse(resp)
	}

	prices := map[string]map[string]float64{}
	if err := util.UnmarshalBody(&prices, resp.Body); err != nil {
		return nil, err
	}

	return prices[ethereumID], nil
}
