package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

// Journal persists decisions, fills and position events for analysis and
// audit.
type Journal struct {
	mu sync.Mutex
	s  *Store
}

// Journal returns the store's audit journal.
func (s *Store) Journal() *Journal { return &Journal{s: s} }

// RecordDecision stores one aggregator verdict, executed or not.
func (j *Journal) RecordDecision(ctx context.Context, aggregator string, d model.ExecutionDecision) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	signalID := ""
	if d.Primary != nil {
		signalID = d.Primary.ID
	}
	_, err := j.s.db.ExecContext(ctx,
		`INSERT INTO decisions (aggregator, symbol, direction, confidence, execute, reason, signal_id, payload, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		aggregator, d.Symbol, string(d.Direction), float64(d.Confidence), d.Execute,
		d.Reason, signalID, string(d.JSON()), d.DecidedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal decision %s: %w", d.Symbol, err)
	}
	return nil
}

// Emit journals an executed decision. It lets the journal sit in a
// model.MultiSink.
func (j *Journal) Emit(ctx context.Context, _ model.Signal, d model.ExecutionDecision) error {
	return j.RecordDecision(ctx, "primary", d)
}

// RecordFill persists a fill.
func (j *Journal) RecordFill(ctx context.Context, f model.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.s.db.ExecContext(ctx,
		`INSERT INTO trades (order_id, signal_id, strategy, symbol, direction, qty, price, slippage, stop_loss, target, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Signal.ID, f.Signal.Strategy, f.Signal.Symbol, string(f.Signal.Direction),
		f.Qty, f.Price.String(), f.Slippage.String(), f.Signal.StopLoss, f.Signal.ProfitTarget,
		f.FilledAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal fill %s: %w", f.OrderID, err)
	}
	return nil
}

// RecordEvent persists a trailing stop event.
func (j *Journal) RecordEvent(ctx context.Context, ev trailing.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.s.db.ExecContext(ctx,
		`INSERT INTO position_events (symbol, type, price, stop, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Symbol, string(ev.Type), ev.Price, ev.Stop, ev.Reason, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal event %s %s: %w", ev.Type, ev.Symbol, err)
	}
	return nil
}

// TradeRecord represents a row from the trades table.
type TradeRecord struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	SignalID  string          `json:"signal_id"`
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Qty       int64           `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Slippage  decimal.Decimal `json:"slippage"`
	FilledAt  time.Time       `json:"filled_at"`
}

// Trades returns the last limit trades, newest first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.s.db.QueryContext(ctx,
		`SELECT id, order_id, signal_id, strategy, symbol, direction, qty, price, slippage, filled_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var (
			t             TradeRecord
			price, slip   string
			filledAtNanos int64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.SignalID, &t.Strategy, &t.Symbol,
			&t.Direction, &t.Qty, &price, &slip, &filledAtNanos); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %d price: %w", t.ID, err)
		}
		if t.Slippage, err = decimal.NewFromString(slip); err != nil {
			return nil, fmt.Errorf("trade %d slippage: %w", t.ID, err)
		}
		t.FilledAt = time.Unix(0, filledAtNanos).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DecisionCounts returns how many decisions were recorded for aggregator,
// split into executed and held.
func (j *Journal) DecisionCounts(ctx context.Context, aggregator string) (executed, held int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	err = j.s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(execute), 0), COALESCE(SUM(1 - execute), 0) FROM decisions WHERE aggregator = ?`,
		aggregator,
	).Scan(&executed, &held)
	return executed, held, err
}

// EventTypes returns the event types recorded for symbol, oldest first.
func (j *Journal) EventTypes(ctx context.Context, symbol string) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.s.db.QueryContext(ctx,
		`SELECT type FROM position_events WHERE symbol = ? ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
