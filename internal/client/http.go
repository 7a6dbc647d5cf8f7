package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/net/circuit"
	"github.com/poolwatch/poolwatch/internal/net/ratelimit"
	"github.com/poolwatch/poolwatch/internal/net/retry"
)

// HTTPClient is the only component that constructs upstream requests. Every
// call goes through the shared rate limiter, the circuit breaker and the
// retry engine, in that nesting: retry { limiter; breaker { one request } }.
type HTTPClient struct {
	baseURL   string
	userAgent string
	session   *http.Client
	limiter   *ratelimit.Limiter
	breaker   *circuit.Breaker
	policy    retry.Policy
	rlWatch   RateLimitWatcher
}

// RateLimitWatcher observes the 429 streak: one call per rate-limited
// response, Reset on the next success. The health tracker implements it.
type RateLimitWatcher interface {
	RateLimitRetry()
	Reset()
}

// NewHTTPClient builds the production client with one long-lived session.
func NewHTTPClient(cfg config.APIConfig, limiter *ratelimit.Limiter, breaker *circuit.Breaker, policy retry.Policy) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		session: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		breaker: breaker,
		policy:  policy,
	}
}

// SetRateLimitWatcher attaches the 429-streak observer. Call before the
// first request; the client does not lock around it.
func (c *HTTPClient) SetRateLimitWatcher(w RateLimitWatcher) {
	c.rlWatch = w
}

// Close releases the session's idle connections.
func (c *HTTPClient) Close() error {
	c.session.CloseIdleConnections()
	return nil
}

// fetch runs one resilient GET and decodes the body into out.
func (c *HTTPClient) fetch(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return retry.Do(ctx, c.policy, "client", endpoint, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx, endpoint); err != nil {
			return err
		}
		return c.breaker.Execute(func() error {
			return c.doRequest(ctx, endpoint, u, out)
		})
	})
}

func (c *HTTPClient) doRequest(ctx context.Context, endpoint, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.E(errs.KindUnknown, "client", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.session.Do(req)
	if err != nil {
		kind := errs.Classify(err)
		if kind == errs.KindUnknown {
			kind = errs.KindConnection
		}
		return errs.E(kind, "client", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		ce := &errs.Error{
			Kind:      errs.FromStatus(resp.StatusCode),
			Component: "client",
			Operation: endpoint,
			Status:    resp.StatusCode,
			Message:   resp.Status,
		}
		if ce.Kind == errs.KindRateLimit {
			ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			c.limiter.Penalize(endpoint, ce.RetryAfter)
			if c.rlWatch != nil {
				c.rlWatch.RateLimitRetry()
			}
		}
		return ce
	}

	if c.rlWatch != nil {
		c.rlWatch.Reset()
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.E(errs.KindParsing, "client", endpoint, err)
	}

	log.Debug().
		Str("endpoint", endpoint).
		Str("url", u).
		Dur("duration", time.Since(start)).
		Msg("upstream request completed")
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func (c *HTTPClient) GetNetworks(ctx context.Context) ([]models.Network, error) {
	var env listEnvelope
	if err := c.fetch(ctx, EndpointNetworks, "/networks", nil, &env); err != nil {
		return nil, err
	}
	networks := make([]models.Network, 0, len(env.Data))
	for _, raw := range env.Data {
		var doc resourceDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errs.E(errs.KindParsing, "client", EndpointNetworks, err)
		}
		var attrs networkAttrs
		if err := json.Unmarshal(doc.Attributes, &attrs); err != nil {
			return nil, errs.E(errs.KindParsing, "client", EndpointNetworks, err)
		}
		networks = append(networks, models.Network{ID: doc.ID, Name: attrs.Name})
	}
	return networks, nil
}

func (c *HTTPClient) GetDexes(ctx context.Context, network string) ([]models.DEX, error) {
	var env listEnvelope
	path := fmt.Sprintf("/networks/%s/dexes", url.PathEscape(network))
	if err := c.fetch(ctx, EndpointDexes, path, nil, &env); err != nil {
		return nil, err
	}
	dexes := make([]models.DEX, 0, len(env.Data))
	for _, raw := range env.Data {
		var doc resourceDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errs.E(errs.KindParsing, "client", EndpointDexes, err)
		}
		var attrs dexAttrs
		if err := json.Unmarshal(doc.Attributes, &attrs); err != nil {
			return nil, errs.E(errs.KindParsing, "client", EndpointDexes, err)
		}
		dexes = append(dexes, models.DEX{ID: doc.ID, Name: attrs.Name, NetworkID: network})
	}
	return dexes, nil
}

func (c *HTTPClient) GetTopPools(ctx context.Context, network, dex string, page int) ([]models.Pool, error) {
	var path string
	if dex == "" {
		path = fmt.Sprintf("/networks/%s/pools", url.PathEscape(network))
	} else {
		path = fmt.Sprintf("/networks/%s/dexes/%s/pools", url.PathEscape(network), url.PathEscape(dex))
	}
	q := url.Values{"include": {"base_token,quote_token,dex"}}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	var env listEnvelope
	if err := c.fetch(ctx, EndpointTopPools, path, q, &env); err != nil {
		return nil, err
	}
	pools, err := decodePools(network, env, time.Now().UTC())
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointTopPools, err)
	}
	return pools, nil
}

func (c *HTTPClient) GetPoolsMulti(ctx context.Context, network string, addresses []string) ([]models.Pool, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	path := fmt.Sprintf("/networks/%s/pools/multi/%s",
		url.PathEscape(network), url.PathEscape(strings.Join(addresses, ",")))
	q := url.Values{"include": {"base_token,quote_token,dex"}}
	var env listEnvelope
	if err := c.fetch(ctx, EndpointPoolsMult, path, q, &env); err != nil {
		return nil, err
	}
	pools, err := decodePools(network, env, time.Now().UTC())
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointPoolsMult, err)
	}
	return pools, nil
}

func (c *HTTPClient) GetPool(ctx context.Context, network, address string) (*models.Pool, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s", url.PathEscape(network), url.PathEscape(address))
	q := url.Values{"include": {"base_token,quote_token,dex"}}
	var env singleEnvelope
	if err := c.fetch(ctx, EndpointPool, path, q, &env); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tokens, err := buildTokenIndex(network, env.Included, now)
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointPool, err)
	}
	var doc poolDoc
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointPool, err)
	}
	pool := doc.toModel(network, tokens, now)
	return &pool, nil
}

func (c *HTTPClient) GetOHLCV(ctx context.Context, req OHLCVRequest) ([]models.Candle, error) {
	tfPath, aggregate := req.Timeframe.APIPath()
	path := fmt.Sprintf("/networks/%s/pools/%s/ohlcv/%s",
		url.PathEscape(req.Network), url.PathEscape(req.PoolAddress), tfPath)

	q := url.Values{}
	q.Set("aggregate", strconv.Itoa(aggregate))
	if req.BeforeTimestamp > 0 {
		q.Set("before_timestamp", strconv.FormatInt(req.BeforeTimestamp, 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	q.Set("currency", currency)
	token := req.Token
	if token == "" {
		token = "base"
	}
	q.Set("token", token)
	if req.IncludeEmpty {
		q.Set("include_empty_intervals", "true")
	}

	var env struct {
		Data struct {
			Attributes ohlcvAttrs `json:"attributes"`
		} `json:"data"`
	}
	if err := c.fetch(ctx, EndpointOHLCV, path, q, &env); err != nil {
		return nil, err
	}
	candles, err := decodeCandles(req.PoolID, req.Timeframe, env.Data.Attributes)
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointOHLCV, err)
	}
	return candles, nil
}

func (c *HTTPClient) GetTrades(ctx context.Context, network, poolAddress string, minVolumeUSD decimal.Decimal) ([]models.Trade, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s/trades", url.PathEscape(network), url.PathEscape(poolAddress))
	q := url.Values{}
	if minVolumeUSD.IsPositive() {
		q.Set("trade_volume_in_usd_greater_than", minVolumeUSD.String())
	}
	var env listEnvelope
	if err := c.fetch(ctx, EndpointTrades, path, q, &env); err != nil {
		return nil, err
	}
	poolID := network + "_" + poolAddress
	trades, err := decodeTrades(poolID, env)
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointTrades, err)
	}
	return trades, nil
}

func (c *HTTPClient) GetTokenInfo(ctx context.Context, network, address string) (*models.Token, error) {
	path := fmt.Sprintf("/networks/%s/tokens/%s/info", url.PathEscape(network), url.PathEscape(address))
	var env singleEnvelope
	if err := c.fetch(ctx, EndpointTokenInfo, path, nil, &env); err != nil {
		return nil, err
	}
	var doc resourceDoc
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointTokenInfo, err)
	}
	var attrs tokenAttrs
	if err := json.Unmarshal(doc.Attributes, &attrs); err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointTokenInfo, err)
	}
	return &models.Token{
		ID:          doc.ID,
		Address:     attrs.Address,
		Name:        attrs.Name,
		Symbol:      attrs.Symbol,
		Decimals:    attrs.Decimals,
		Network:     network,
		PriceUSD:    attrs.PriceUSD,
		LastUpdated: time.Now().UTC(),
	}, nil
}

func (c *HTTPClient) GetNewPools(ctx context.Context, network string, page int) ([]NewPoolPayload, error) {
	path := fmt.Sprintf("/networks/%s/new_pools", url.PathEscape(network))
	q := url.Values{"include": {"base_token,quote_token,dex"}}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	var env listEnvelope
	if err := c.fetch(ctx, EndpointNewPools, path, q, &env); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tokens, err := buildTokenIndex(network, env.Included, now)
	if err != nil {
		return nil, errs.E(errs.KindParsing, "client", EndpointNewPools, err)
	}
	payloads := make([]NewPoolPayload, 0, len(env.Data))
	for _, raw := range env.Data {
		var doc poolDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errs.E(errs.KindParsing, "client", EndpointNewPools, err)
		}
		pool := doc.toModel(network, tokens, now)
		payloads = append(payloads, NewPoolPayload{
			Pool:    pool,
			Metrics: snapshotFromAttrs(pool, doc.Attributes, now),
		})
	}
	return payloads, nil
}

// snapshotFromAttrs builds the per-pass history row from the listing
// payload. The listing carries no candle, so the interval OHLC collapses to
// the current base-token price.
func snapshotFromAttrs(pool models.Pool, attrs poolAttrs, now time.Time) models.NewPoolSnapshot {
	var price decimal.Decimal
	if attrs.BaseTokenPriceUSD != nil {
		price = *attrs.BaseTokenPriceUSD
	}
	return models.NewPoolSnapshot{
		PoolID:        pool.ID,
		CollectedAt:   now,
		PoolCreatedAt: pool.CreatedAt,
		Open:          price,
		High:          price,
		Low:           price,
		Close:         price,
		VolumeUSD:     attrs.VolumeUSD.H24,
		Volume24hUSD:  attrs.VolumeUSD.H24,
		LiquidityUSD:  attrs.ReserveInUSD,
		Buys:          attrs.Transactions.H24.Buys,
		Sells:         attrs.Transactions.H24.Sells,
	}
}
