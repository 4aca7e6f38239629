package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const bybitTickersPath = "/v5/market/tickers"

// BybitOptions parameterise the Bybit ticker fetcher.
type BybitOptions struct {
	BaseURL   string
	Quote     string
	Timeout   time.Duration
	UserAgent string
}

// Bybit ranks linear perpetuals by 24h turnover through the public REST API.
type Bybit struct {
	opts    BybitOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewBybit constructs a ticker fetcher.
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}

	return &Bybit{
		opts:    opts,
		logger:  logger.With().Str("component", "symbol_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchSymbols returns up to limit linear symbols quoted in the configured asset, highest turnover first.
func (b *Bybit) FetchSymbols(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}

	endpoint := b.baseURL + bybitTickersPath + "?" + url.Values{"category": {"linear"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "liquidation-relay/1.0")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var res tickersResponse
	decodeErr := json.Unmarshal(payload, &res)
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode tickers: %w", decodeErr)
	}
	if res.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error (retCode %d): %s", res.RetCode, res.RetMsg)
	}

	ranked := make([]rankedSymbol, 0, len(res.Result.List))
	for _, t := range res.Result.List {
		if !strings.HasSuffix(t.Symbol, b.opts.Quote) {
			continue
		}
		turnover, err := decimal.NewFromString(t.Turnover24h)
		if err != nil {
			b.logger.Debug().Str("symbol", t.Symbol).Str("turnover", t.Turnover24h).Msg("skip ticker with bad turnover")
			continue
		}
		ranked = append(ranked, rankedSymbol{symbol: t.Symbol, turnover: turnover})
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no %s linear tickers returned", b.opts.Quote)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].turnover.GreaterThan(ranked[j].turnover)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	symbols := make([]string, len(ranked))
	for i, r := range ranked {
		symbols[i] = r.symbol
	}
	b.logger.Info().Strs("symbols", symbols).Msg("resolved bybit symbols by turnover")
	return symbols, nil
}

type rankedSymbol struct {
	symbol   string
	turnover decimal.Decimal
}

type tickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol      string `json:"symbol"`
			Turnover24h string `json:"turnover24h"`
		} `json:"list"`
	} `json:"result"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.RetMsg != "" {
		return fmt.Errorf("bybit api error (%d): %s", status, apiErr.RetMsg)
	}
	if len(payload) > 0 {
		return fmt.Errorf("bybit api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("bybit api error (%d)", status)
}

var _ SymbolFetcher = (*Bybit)(nil)
