package types

import "time"

// RiskLevel buckets the overall score of a risk report.
type RiskLevel string

const (
	RiskLevelSafe     = RiskLevel("safe")
	RiskLevelLow      = RiskLevel("low")
	RiskLevelMedium   = RiskLevel("medium")
	RiskLevelHigh     = RiskLevel("high")
	RiskLevelCritical = RiskLevel("critical")
)

// RiskDimension is one scored axis of a risk report (liquidity, ownership,
// taxes, verification...).
type RiskDimension struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// RiskReport is the cached evaluation of a contract on a chain, keyed by
// (chain id, contract address).
type RiskReport struct {
	ChainID  uint64 `json:"chainId"`
	Contract string `json:"contract"`

	OverallScore float64         `json:"overallScore"` // 0..100, higher is riskier
	RiskLevel    RiskLevel       `json:"riskLevel"`
	Dimensions   []RiskDimension `json:"dimensions,omitempty"`

	IsHoneypot      bool    `json:"isHoneypot"`
	BuyTaxPct       float64 `json:"buyTaxPct"`
	SellTaxPct      float64 `json:"sellTaxPct"`
	SourceVerified  bool    `json:"sourceVerified"`
	OwnerPrivileges bool    `json:"ownerPrivileges"`

	CachedAt time.Time `json:"cachedAt"`
}

// HasBuyTax reports whether the contract taxes buys.
func (r *RiskReport) HasBuyTax() bool { return r.BuyTaxPct > 0 }

// HasSellTax reports whether the contract taxes sells.
func (r *RiskReport) HasSellTax() bool { return r.SellTaxPct > 0 }

// ListAction is the kind of a contract-list rule.
type ListAction string

const (
	ListActionAllow = ListAction("allow")
	ListActionBlock = ListAction("block")
)

// ContractRule is a user-curated allow or block entry. Block rules win over
// allow rules, and both win over the risk-derived decision.
type ContractRule struct {
	Address string     `json:"address"`
	ChainID uint64     `json:"chainId"`
	Action  ListAction `json:"action"`
	Reason  string     `json:"reason,omitempty"`
	AddedAt time.Time  `json:"addedAt"`
}
