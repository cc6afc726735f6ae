// Package execution turns approved decisions into simulated fills.
//
// Nothing here talks to a broker. PaperExecutor is an ExecutionSink that
// fills at the signal's entry plus slippage, opens a trailing position and
// journals the fill. Failures are reported back so the aggregator can apply
// its failure cooldown.
package execution

import (
	"context"
	"time"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

// Order status values carried by OrderResult.
const (
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
)

// OrderResult represents the outcome of one order.
type OrderResult struct {
	OrderID string       `json:"order_id"`
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Signal  model.Signal `json:"signal"`
}

// PositionOpener starts tracking a filled position. Satisfied by
// *trailing.Engine.
type PositionOpener interface {
	AddPosition(spec trailing.PositionSpec) error
}

// FillRecorder persists fills. Satisfied by the SQLite journal.
type FillRecorder interface {
	RecordFill(ctx context.Context, f model.Fill) error
}

// FailureReporter is told when an approved decision could not be executed.
// Satisfied by *aggregator.Aggregator.
type FailureReporter interface {
	RecordFailure(symbol string, now time.Time)
}
