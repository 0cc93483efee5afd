package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// httpTimeout bounds a single aggregator call.
	httpTimeout = 10 * time.Second
	// maxBodySize caps aggregator responses.
	maxBodySize = 1 << 20
)

// HTTPAggregator talks to a 0x-style quote API over HTTP.
type HTTPAggregator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAggregator creates a client for the aggregator at baseURL. The API
// key may be empty for keyless deployments.
func NewHTTPAggregator(baseURL, apiKey string) *HTTPAggregator {
	return &HTTPAggregator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// swapResponse is the aggregator's quote payload.
type swapResponse struct {
	ToAmount string `json:"toAmount"`
	Tx       struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

type priceResponse struct {
	PriceUSD float64 `json:"priceUsd"`
}

type liquidityResponse struct {
	LiquidityUSD float64 `json:"liquidityUsd"`
}

// SwapQuote implements Aggregator.
func (a *HTTPAggregator) SwapQuote(ctx context.Context, req *SwapRequest) (*Swap, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(req.ChainID, 10))
	q.Set("fromToken", req.FromToken)
	q.Set("toToken", req.ToToken)
	q.Set("amount", req.Amount)
	q.Set("fromAddress", req.FromAddress)
	q.Set("slippageBps", strconv.FormatInt(req.SlippageBps, 10))

	var resp swapResponse
	if err := a.get(ctx, "/swap/quote", q, &resp); err != nil {
		return nil, err
	}

	data, err := hexutil.Decode(resp.Tx.Data)
	if err != nil {
		return nil, fmt.Errorf("aggregator returned bad calldata: %w", err)
	}
	value := new(big.Int)
	if resp.Tx.Value != "" {
		if _, ok := value.SetString(resp.Tx.Value, 10); !ok {
			return nil, fmt.Errorf("aggregator returned bad value %q", resp.Tx.Value)
		}
	}
	if !common.IsHexAddress(resp.Tx.To) {
		return nil, fmt.Errorf("aggregator returned bad router address %q", resp.Tx.To)
	}
	return &Swap{
		ToAmount: resp.ToAmount,
		To:       common.HexToAddress(resp.Tx.To),
		Data:     data,
		Value:    value,
		Gas:      resp.Tx.Gas,
	}, nil
}

// PriceUSD implements Aggregator.
func (a *HTTPAggregator) PriceUSD(ctx context.Context, chainID uint64, token string) (float64, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	q.Set("token", token)

	var resp priceResponse
	if err := a.get(ctx, "/price", q, &resp); err != nil {
		return 0, err
	}
	if resp.PriceUSD <= 0 {
		return 0, fmt.Errorf("aggregator returned no price for %s on chain %d", token, chainID)
	}
	return resp.PriceUSD, nil
}

// LiquidityUSD reports the USD depth of the token's primary pool, serving
// the snipe manager's floor check. Zero is a valid answer: the aggregator
// knows the token but sees no pool.
func (a *HTTPAggregator) LiquidityUSD(ctx context.Context, chainID uint64, token string) (float64, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	q.Set("token", token)

	var resp liquidityResponse
	if err := a.get(ctx, "/liquidity", q, &resp); err != nil {
		return 0, err
	}
	if resp.LiquidityUSD < 0 {
		return 0, fmt.Errorf("aggregator returned negative liquidity for %s on chain %d", token, chainID)
	}
	return resp.LiquidityUSD, nil
}

func (a *HTTPAggregator) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding aggregator response: %w", err)
	}
	return nil
}
