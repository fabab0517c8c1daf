// Package oracle provides the current futures price for a market symbol.
// Consumers treat it as opaque: a price or an error, nothing else.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the oracle has no quote for the symbol.
var ErrNoPrice = errors.New("oracle: no price for symbol")

// Oracle answers "current price for symbol".
type Oracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HTTP fetches futures mark prices from an exchange-style ticker endpoint:
// GET {base}?symbol=BTCUSDT → {"symbol":"BTCUSDT","price":"40123.50"}.
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP creates an HTTP-backed oracle against the given ticker base URL.
func NewHTTP(base string) *HTTP {
	return &HTTP{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (o *HTTP) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := o.base + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("oracle: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("oracle: fetch %s: status %d", symbol, resp.StatusCode)
	}

	var tick tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return decimal.Decimal{}, fmt.Errorf("oracle: decode %s: %w", symbol, err)
	}
	if tick.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNoPrice
	}
	return tick.Price, nil
}

// Static serves fixed prices from memory. Used for testing and development.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static oracle.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set fixes the quote for symbol.
func (o *Static) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

func (o *Static) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[symbol]
	if !ok {
		return decimal.Decimal{}, ErrNoPrice
	}
	return p, nil
}
