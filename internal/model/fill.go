package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is a simulated execution of an approved signal.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Signal   Signal          `json:"signal"`
	Qty      int64           `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	Slippage decimal.Decimal `json:"slippage"`
	FilledAt time.Time       `json:"filled_at"`
}
