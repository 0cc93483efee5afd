package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chainclaw/chainclaw/types"
)

// RiskReport returns the cached report for (chainID, contract), or
// ErrNotFound. Addresses are matched case-insensitively.
func (s *Store) RiskReport(chainID uint64, contract string) (*types.RiskReport, error) {
	var r types.RiskReport
	var level, dims string
	var honeypot, verified, owner int
	var cachedAt, createdAt int64
	err := s.db.QueryRow(`SELECT chain_id, contract, overall_score, risk_level, dimensions_json,
		is_honeypot, buy_tax_pct, sell_tax_pct, source_verified, owner_privileges, cached_at, created_at
		FROM risk_reports WHERE chain_id = ? AND contract = ?`,
		chainID, strings.ToLower(contract)).
		Scan(&r.ChainID, &r.Contract, &r.OverallScore, &level, &dims,
			&honeypot, &r.BuyTaxPct, &r.SellTaxPct, &verified, &owner, &cachedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RiskLevel = types.RiskLevel(level)
	r.IsHoneypot = honeypot != 0
	r.SourceVerified = verified != 0
	r.OwnerPrivileges = owner != 0
	r.CachedAt = msTime(cachedAt)
	if dims != "" {
		if err := json.Unmarshal([]byte(dims), &r.Dimensions); err != nil {
			return nil, fmt.Errorf("decoding risk dimensions: %w", err)
		}
	}
	return &r, nil
}

// PutRiskReport upserts a cached report.
func (s *Store) PutRiskReport(r *types.RiskReport) error {
	dims := ""
	if len(r.Dimensions) > 0 {
		b, err := json.Marshal(r.Dimensions)
		if err != nil {
			return fmt.Errorf("encoding risk dimensions: %w", err)
		}
		dims = string(b)
	}
	now := nowMS()
	_, err := s.db.Exec(`INSERT INTO risk_reports
		(chain_id, contract, overall_score, risk_level, dimensions_json, is_honeypot,
		 buy_tax_pct, sell_tax_pct, source_verified, owner_privileges, cached_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, contract) DO UPDATE SET
			overall_score = excluded.overall_score,
			risk_level = excluded.risk_level,
			dimensions_json = excluded.dimensions_json,
			is_honeypot = excluded.is_honeypot,
			buy_tax_pct = excluded.buy_tax_pct,
			sell_tax_pct = excluded.sell_tax_pct,
			source_verified = excluded.source_verified,
			owner_privileges = excluded.owner_privileges,
			cached_at = excluded.cached_at`,
		r.ChainID, strings.ToLower(r.Contract), r.OverallScore, string(r.RiskLevel), dims,
		boolInt(r.IsHoneypot), r.BuyTaxPct, r.SellTaxPct,
		boolInt(r.SourceVerified), boolInt(r.OwnerPrivileges), r.CachedAt.UnixMilli(), now)
	return err
}

// ContractRule returns the allow/block rule for an address on a chain, or
// ErrNotFound.
func (s *Store) ContractRule(chainID uint64, address string) (*types.ContractRule, error) {
	var r types.ContractRule
	var action string
	var createdAt int64
	err := s.db.QueryRow(`SELECT address, chain_id, action, reason, created_at
		FROM contract_list WHERE chain_id = ? AND address = ?`,
		chainID, strings.ToLower(address)).
		Scan(&r.Address, &r.ChainID, &action, &r.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Action = types.ListAction(action)
	r.AddedAt = msTime(createdAt)
	return &r, nil
}

// PutContractRule upserts an allow/block rule.
func (s *Store) PutContractRule(r *types.ContractRule) error {
	_, err := s.db.Exec(`INSERT INTO contract_list (address, chain_id, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address, chain_id) DO UPDATE SET
			action = excluded.action,
			reason = excluded.reason`,
		strings.ToLower(r.Address), r.ChainID, string(r.Action), r.Reason, nowMS())
	return err
}

// DeleteContractRule removes a rule; missing rules are not an error.
func (s *Store) DeleteContractRule(chainID uint64, address string) error {
	_, err := s.db.Exec(`DELETE FROM contract_list WHERE chain_id = ? AND address = ?`,
		chainID, strings.ToLower(address))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
