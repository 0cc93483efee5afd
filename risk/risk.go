// Package risk evaluates contracts and tokens before the executor touches
// them. Reports come from an external oracle and are cached in two tiers: an
// in-memory LRU for the hot path and the risk_reports table for restarts.
// User-curated contract rules take precedence: block > allow > risk-derived
// decision.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

const (
	// DefaultCacheTTL is how long a cached report stays valid.
	DefaultCacheTTL = 10 * time.Minute
	// oracleTimeout bounds a single oracle call.
	oracleTimeout = 10 * time.Second
	// lruSize bounds the in-memory cache tier.
	lruSize = 1024
)

// Oracle is the external risk source.
type Oracle interface {
	GetTokenRisk(ctx context.Context, chainID uint64, contract string) (*types.RiskReport, error)
}

// BlockDecision is the outcome of ShouldBlock.
type BlockDecision struct {
	Blocked bool
	Reason  string
}

// Engine is the risk lookup service.
type Engine struct {
	store  *storage.Store
	oracle Oracle
	ttl    time.Duration
	cache  *lru.Cache[string, *types.RiskReport]
}

// NewEngine creates an engine with the given oracle. A zero ttl means
// DefaultCacheTTL.
func NewEngine(store *storage.Store, oracle Oracle, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := lru.New[string, *types.RiskReport](lruSize)
	if err != nil {
		log.Fatalf("failed to create risk cache: %v", err)
	}
	return &Engine{store: store, oracle: oracle, ttl: ttl, cache: cache}
}

func cacheKey(chainID uint64, contract string) string {
	return fmt.Sprintf("%d/%s", chainID, strings.ToLower(contract))
}

// Analyze returns the risk report for a contract, read-through cached. A
// report with risk level critical or a honeypot flag never expires from the
// caller's perspective: it is served from cache regardless of TTL, so a
// condemned contract is never re-queried.
func (e *Engine) Analyze(ctx context.Context, chainID uint64, contract string) (*types.RiskReport, error) {
	key := cacheKey(chainID, contract)

	if report, ok := e.cache.Get(key); ok {
		if e.fresh(report) {
			return report, nil
		}
		e.cache.Remove(key)
	}

	report, err := e.store.RiskReport(chainID, contract)
	if err == nil && e.fresh(report) {
		e.cache.Add(key, report)
		return report, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	oracleCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	report, err = e.oracle.GetTokenRisk(oracleCtx, chainID, contract)
	if err != nil {
		return nil, fmt.Errorf("risk oracle for %s on chain %d: %w", contract, chainID, err)
	}
	report.ChainID = chainID
	report.Contract = strings.ToLower(contract)
	report.CachedAt = time.Now().UTC()

	if err := e.store.PutRiskReport(report); err != nil {
		log.Warnw("failed to persist risk report", "contract", contract, "err", err.Error())
	}
	e.cache.Add(key, report)
	return report, nil
}

// fresh reports whether a cached entry is still servable. Condemned entries
// (critical or honeypot) are effectively permanent.
func (e *Engine) fresh(report *types.RiskReport) bool {
	if report.RiskLevel == types.RiskLevelCritical || report.IsHoneypot {
		return true
	}
	return time.Since(report.CachedAt) < e.ttl
}

// ShouldBlock decides whether a transaction target is blocked for a user.
// Contract-list rules win over the risk-derived decision.
func (e *Engine) ShouldBlock(ctx context.Context, userID string, chainID uint64, contract string) (*BlockDecision, error) {
	rule, err := e.store.ContractRule(chainID, contract)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if rule != nil {
		switch rule.Action {
		case types.ListActionBlock:
			reason := rule.Reason
			if reason == "" {
				reason = "contract is on the block list"
			}
			return &BlockDecision{Blocked: true, Reason: reason}, nil
		case types.ListActionAllow:
			return &BlockDecision{}, nil
		}
	}

	report, err := e.Analyze(ctx, chainID, contract)
	if err != nil {
		// Risk outage degrades to not-blocked; the guardrails and the
		// confirmation gate still stand between the user and a broadcast.
		log.Warnw("risk analyze unavailable, not blocking",
			"contract", contract, "chainId", chainID, "err", err.Error())
		return &BlockDecision{}, nil
	}
	if report.IsHoneypot {
		return &BlockDecision{Blocked: true, Reason: "token is a honeypot: buys succeed but sells revert"}, nil
	}
	if report.RiskLevel == types.RiskLevelCritical {
		return &BlockDecision{Blocked: true, Reason: fmt.Sprintf(
			"risk level critical (score %.0f/100)", report.OverallScore)}, nil
	}
	return &BlockDecision{}, nil
}

// NeedsWarning reports whether a non-blocked report still deserves a user
// warning before proceeding.
func NeedsWarning(report *types.RiskReport) bool {
	if report == nil {
		return false
	}
	return report.RiskLevel == types.RiskLevelMedium || report.RiskLevel == types.RiskLevelHigh
}

// FormatReport renders a report deterministically for confirmation prompts.
func FormatReport(report *types.RiskReport) string {
	if report == nil {
		return "no risk data available"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Risk %s (score %.0f/100) for %s on chain %d",
		report.RiskLevel, report.OverallScore, report.Contract, report.ChainID)
	if report.IsHoneypot {
		b.WriteString("\n- HONEYPOT: sells revert")
	}
	if report.HasBuyTax() {
		fmt.Fprintf(&b, "\n- buy tax %.1f%%", report.BuyTaxPct)
	}
	if report.HasSellTax() {
		fmt.Fprintf(&b, "\n- sell tax %.1f%%", report.SellTaxPct)
	}
	if !report.SourceVerified {
		b.WriteString("\n- source not verified")
	}
	if report.OwnerPrivileges {
		b.WriteString("\n- owner retains privileged functions")
	}
	for _, d := range report.Dimensions {
		fmt.Fprintf(&b, "\n- %s: %.0f", d.Name, d.Score)
		if d.Comment != "" {
			fmt.Fprintf(&b, " (%s)", d.Comment)
		}
	}
	return b.String()
}
