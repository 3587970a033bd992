package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquitySnapshot is a point-in-time view of the account. Equity is always
// recomputable as CashBalance plus the sum of open-position unrealized PnL;
// a cached snapshot is advisory, never authoritative.
type EquitySnapshot struct {
	CashBalance   decimal.Decimal `yaml:"cash_balance" json:"cash_balance"`
	UnrealizedPnl decimal.Decimal `yaml:"unrealized_pnl" json:"unrealized_pnl"`
	Equity        decimal.Decimal `yaml:"equity" json:"equity"`
	MarginUsed    decimal.Decimal `yaml:"margin_used" json:"margin_used"`
	OpenPositions int             `yaml:"open_positions" json:"open_positions"`
	// Degraded is set when a contribution could not be valued (missing or
	// non-finite price) and was counted as zero.
	Degraded   bool      `yaml:"degraded" json:"degraded"`
	ComputedAt time.Time `yaml:"computed_at" json:"computed_at"`
}
