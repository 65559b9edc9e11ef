package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimRecord is one row of the mining claim log.
type ClaimRecord struct {
	ID         string
	UserID     string
	Tokens     decimal.Decimal
	Multiplier decimal.Decimal
	ClaimedAt  time.Time
	Auto       bool
}
