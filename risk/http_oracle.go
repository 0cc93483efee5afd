package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chainclaw/chainclaw/types"
)

const (
	oracleHTTPTimeout = 10 * time.Second
	oracleMaxBody     = 1 << 20
)

// HTTPOracle queries a token-security API (GoPlus-style) and maps the answer
// onto a risk report.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPOracle creates an oracle client. The API key may be empty.
func NewHTTPOracle(baseURL, apiKey string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: oracleHTTPTimeout},
	}
}

// oracleResponse is the security-API payload.
type oracleResponse struct {
	Score           float64 `json:"score"` // 0..100, higher is riskier
	IsHoneypot      bool    `json:"isHoneypot"`
	BuyTaxPct       float64 `json:"buyTaxPct"`
	SellTaxPct      float64 `json:"sellTaxPct"`
	SourceVerified  bool    `json:"sourceVerified"`
	OwnerPrivileges bool    `json:"ownerPrivileges"`
	Dimensions      []struct {
		Name    string  `json:"name"`
		Score   float64 `json:"score"`
		Comment string  `json:"comment"`
	} `json:"dimensions"`
}

// GetTokenRisk implements Oracle.
func (o *HTTPOracle) GetTokenRisk(ctx context.Context, chainID uint64, contract string) (*types.RiskReport, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	q.Set("address", contract)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.baseURL+"/token_security?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("risk oracle request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, oracleMaxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("risk oracle returned %d: %s", resp.StatusCode, string(body))
	}
	var payload oracleResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding risk oracle response: %w", err)
	}

	report := &types.RiskReport{
		OverallScore:    payload.Score,
		RiskLevel:       LevelForScore(payload.Score),
		IsHoneypot:      payload.IsHoneypot,
		BuyTaxPct:       payload.BuyTaxPct,
		SellTaxPct:      payload.SellTaxPct,
		SourceVerified:  payload.SourceVerified,
		OwnerPrivileges: payload.OwnerPrivileges,
	}
	if payload.IsHoneypot {
		report.RiskLevel = types.RiskLevelCritical
	}
	for _, d := range payload.Dimensions {
		report.Dimensions = append(report.Dimensions, types.RiskDimension{
			Name: d.Name, Score: d.Score, Comment: d.Comment,
		})
	}
	return report, nil
}

// LevelForScore buckets a 0..100 risk score.
func LevelForScore(score float64) types.RiskLevel {
	switch {
	case score >= 80:
		return types.RiskLevelCritical
	case score >= 60:
		return types.RiskLevelHigh
	case score >= 40:
		return types.RiskLevelMedium
	case score >= 20:
		return types.RiskLevelLow
	default:
		return types.RiskLevelSafe
	}
}
