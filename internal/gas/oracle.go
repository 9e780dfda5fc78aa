package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PriceOracle provides token/USD prices with caching and a secondary source.
// The ledger and the approval workflow account in USD, so every native-value
// transaction needs a conversion before its limits can be checked.
type PriceOracle struct {
	mu         sync.RWMutex
	prices     map[string]float64
	lastUpdate map[string]time.Time
	ttl        time.Duration
	fallback   map[string]float64
	client     *http.Client

	primaryURL   string
	secondaryURL string
}

// DefaultOracleURL is the CoinGecko simple price API (free, no key required).
const DefaultOracleURL = "https://api.coingecko.com/api/v3/simple/price"

// NewPriceOracle creates a price oracle. fallbackPrices maps token ids
// (e.g. "ethereum") to last-resort prices used when both sources fail.
// secondaryURL may be empty.
func NewPriceOracle(secondaryURL string, fallbackPrices map[string]float64, cacheTTL time.Duration) *PriceOracle {
	if fallbackPrices == nil {
		fallbackPrices = map[string]float64{}
	}
	return &PriceOracle{
		prices:       make(map[string]float64),
		lastUpdate:   make(map[string]time.Time),
		ttl:          cacheTTL,
		fallback:     fallbackPrices,
		primaryURL:   DefaultOracleURL,
		secondaryURL: secondaryURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Price returns the current price of token quoted in quote (e.g. "usd").
// Fetches from the primary source if the cache is stale, falls through to the
// secondary source, then to the last known price, then to the static fallback.
func (o *PriceOracle) Price(ctx context.Context, token, quote string) float64 {
	token = strings.ToLower(token)
	quote = strings.ToLower(quote)
	key := token + "/" + quote

	o.mu.RLock()
	if time.Since(o.lastUpdate[key]) < o.ttl && o.prices[key] > 0 {
		price := o.prices[key]
		o.mu.RUnlock()
		return price
	}
	o.mu.RUnlock()

	price, err := o.fetchPrice(ctx, o.primaryURL, token, quote)
	if err != nil && o.secondaryURL != "" {
		price, err = o.fetchPrice(ctx, o.secondaryURL, token, quote)
	}
	if err != nil {
		o.mu.Lock()
		// Mark cache stale so the next call retries immediately.
		delete(o.lastUpdate, key)
		last := o.prices[key]
		o.mu.Unlock()
		if last > 0 {
			return last
		}
		return o.fallback[token]
	}

	o.mu.Lock()
	o.prices[key] = price
	o.lastUpdate[key] = time.Now()
	o.mu.Unlock()

	return price
}

// fetchPrice queries a CoinGecko-compatible simple price endpoint.
func (o *PriceOracle) fetchPrice(ctx context.Context, baseURL, token, quote string) (float64, error) {
	u := fmt.Sprintf("%s?ids=%s&vs_currencies=%s",
		baseURL, url.QueryEscape(token), url.QueryEscape(quote))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	price := result[token][quote]
	if price <= 0 {
		return 0, fmt.Errorf("invalid price returned: %f", price)
	}

	return price, nil
}
