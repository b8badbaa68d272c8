package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/swapflow/swapflow-api/internal/types"
)

// ErrQuoteUnavailable marks a permanent quote rejection (4xx other than 429):
// retrying the same request will not help.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// QuoteProvider returns prices and executable swap transactions for a token
// pair. Implementations must bound their own retries; callers treat any error
// as a soft failure for the current attempt.
type QuoteProvider interface {
	GetQuote(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.Quote, error)
	GetPrice(ctx context.Context, sourceToken, targetToken string) (decimal.Decimal, error)
}

const (
	quoteMaxAttempts = 3
	quoteBackoffBase = 500 * time.Millisecond

	// Probe size for price reads; small enough to never hit balance checks.
	priceProbeAmount = "100000"
)

type cachedPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// ZeroExClient talks to a 0x-style swap API. Outbound calls are throttled with
// a shared rate limiter and retried with exponential backoff on 429 and 5xx.
// Price reads are cached per pair with a TTL.
type ZeroExClient struct {
	baseURL    string
	apiKey     string
	chainID    int64
	taker      string
	httpClient *http.Client
	limiter    *rate.Limiter
	cacheTTL   time.Duration

	mu         sync.Mutex
	priceCache map[string]cachedPrice
}

func NewZeroExClient(baseURL, apiKey string, chainID int64, taker string, ratePerSecond float64, cacheTTL time.Duration) *ZeroExClient {
	return &ZeroExClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		chainID:    chainID,
		taker:      taker,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		cacheTTL:   cacheTTL,
		priceCache: make(map[string]cachedPrice),
	}
}

type zeroExResponse struct {
	BuyAmount  string `json:"buyAmount"`
	SellAmount string `json:"sellAmount"`
	Price      string `json:"price"`
	Issues     struct {
		Allowance *struct {
			Spender string `json:"spender"`
			Amount  string `json:"amount"`
		} `json:"allowance"`
	} `json:"issues"`
	Transaction struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		Gas      string `json:"gas"`
		GasPrice string `json:"gasPrice"`
	} `json:"transaction"`
}

// GetQuote fetches an executable quote for selling amount of sourceToken.
func (c *ZeroExClient) GetQuote(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.Quote, error) {
	raw, err := c.fetch(ctx, "/swap/permit2/quote", sourceToken, targetToken, amount.String())
	if err != nil {
		return nil, err
	}

	quote := &types.Quote{
		SellToken:  sourceToken,
		BuyToken:   targetToken,
		SellAmount: parseDecimal(raw.SellAmount),
		BuyAmount:  parseDecimal(raw.BuyAmount),
		Price:      parseDecimal(raw.Price),
		Transaction: types.QuoteTransaction{
			To:       raw.Transaction.To,
			Data:     raw.Transaction.Data,
			Value:    parseDecimal(raw.Transaction.Value),
			Gas:      parseDecimal(raw.Transaction.Gas),
			GasPrice: parseDecimal(raw.Transaction.GasPrice),
		},
	}
	if raw.Issues.Allowance != nil {
		quote.AllowanceSpender = raw.Issues.Allowance.Spender
	}
	if quote.BuyAmount.IsZero() {
		return nil, fmt.Errorf("%w: empty buy amount for %s -> %s", ErrQuoteUnavailable, sourceToken, targetToken)
	}
	return quote, nil
}

// GetPrice returns how much targetToken one base unit of sourceToken buys,
// serving from the pair cache while it is fresh.
func (c *ZeroExClient) GetPrice(ctx context.Context, sourceToken, targetToken string) (decimal.Decimal, error) {
	key := sourceToken + "_" + targetToken

	c.mu.Lock()
	cached, ok := c.priceCache[key]
	c.mu.Unlock()
	if ok && time.Since(cached.fetched) < c.cacheTTL {
		return cached.price, nil
	}

	raw, err := c.fetch(ctx, "/swap/permit2/price", sourceToken, targetToken, priceProbeAmount)
	if err != nil {
		// An expired cache entry beats no price at all for poll evaluation.
		if ok {
			log.Warn().
				Str("component", "quote_client").
				Str("pair", key).
				Err(err).
				Msg("price fetch failed, serving stale cache")
			return cached.price, nil
		}
		return decimal.Zero, err
	}

	price := parseDecimal(raw.Price)
	if price.IsZero() {
		sell := parseDecimal(raw.SellAmount)
		if sell.IsPositive() {
			price = parseDecimal(raw.BuyAmount).DivRound(sell, 18)
		}
	}
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s -> %s", ErrQuoteUnavailable, sourceToken, targetToken)
	}

	c.mu.Lock()
	c.priceCache[key] = cachedPrice{price: price, fetched: time.Now()}
	c.mu.Unlock()
	return price, nil
}

// fetch performs one API call with rate limiting and bounded backoff. 429 and
// 5xx responses are retried with exponential delay; any other non-200 status
// is a permanent ErrQuoteUnavailable.
func (c *ZeroExClient) fetch(ctx context.Context, path, sellToken, buyToken, sellAmount string) (*zeroExResponse, error) {
	params := url.Values{}
	params.Set("chainId", strconv.FormatInt(c.chainID, 10))
	params.Set("sellToken", sellToken)
	params.Set("buyToken", buyToken)
	params.Set("sellAmount", sellAmount)
	params.Set("taker", c.taker)
	endpoint := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < quoteMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := quoteBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("0x-api-key", c.apiKey)
		req.Header.Set("0x-version", "v2")
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			var parsed zeroExResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				lastErr = err
				continue
			}
			return &parsed, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("quote API status %d", resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrQuoteUnavailable, resp.StatusCode, string(body))
		}
	}
	return nil, fmt.Errorf("quote API unreachable after %d attempts: %w", quoteMaxAttempts, lastErr)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
