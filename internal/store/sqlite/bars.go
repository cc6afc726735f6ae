package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradesignals/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// BarStore reads and writes the bars table. It satisfies model.BarSource.
type BarStore struct {
	s *Store

	// Optional metrics hook
	OnCommit func(d time.Duration)
}

// Bars returns the store's bar table accessor.
func (s *Store) Bars() *BarStore { return &BarStore{s: s} }

// TimedBar pairs a bar with its timeframe for batched writes.
type TimedBar struct {
	TF  model.Timeframe
	Bar model.Bar
}

// InsertBars upserts bars in a single transaction.
func (b *BarStore) InsertBars(ctx context.Context, bars []TimedBar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, tb := range bars {
		c := tb.Bar
		if _, err := stmt.ExecContext(ctx, strings.ToUpper(c.Symbol), string(tb.TF), c.TS.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar %s %s: %w", c.Symbol, c.TS.Format(time.RFC3339), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if b.OnCommit != nil {
		b.OnCommit(time.Since(start))
	}
	return nil
}

// Run reads bars from ch and inserts them in batched transactions.
// Flushes every batchSize bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (b *BarStore) Run(ctx context.Context, ch <-chan TimedBar) {
	batch := make([]TimedBar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The batch must land even if ctx is already cancelled.
		if err := b.InsertBars(context.Background(), batch); err != nil {
			b.s.log.Error("bar batch insert failed", zap.Int("bars", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case tb, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, tb)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// GetBars returns the newest max(minCount, 1) bars in ascending order. It
// never returns a partial sequence: fewer stored bars is ErrNoBars.
func (b *BarStore) GetBars(ctx context.Context, symbol string, tf model.Timeframe, minCount int) ([]model.Bar, error) {
	if minCount < 1 {
		minCount = 1
	}
	sym := strings.ToUpper(symbol)
	rows, err := b.s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM (
			SELECT ts, open, high, low, close, volume
			FROM bars WHERE symbol = ? AND tf = ?
			ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC
	`, sym, string(tf), minCount)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	bars := make([]model.Bar, 0, minCount)
	for rows.Next() {
		bar := model.Bar{Symbol: sym}
		var ts int64
		if err := rows.Scan(&ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		bar.TS = time.Unix(ts, 0).UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bars) < minCount {
		return nil, fmt.Errorf("%s %s: have %d bars, need %d: %w", sym, tf, len(bars), minCount, model.ErrNoBars)
	}
	return bars, nil
}

// Range returns every bar for symbol/tf in [from, to), ascending. Used by
// the backtest.
func (b *BarStore) Range(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error) {
	sym := strings.ToUpper(symbol)
	rows, err := b.s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars WHERE symbol = ? AND tf = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, sym, string(tf), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query bar range: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		bar := model.Bar{Symbol: sym}
		var ts int64
		if err := rows.Scan(&ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		bar.TS = time.Unix(ts, 0).UTC()
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// LastTimestamp returns the newest stored bar time for symbol/tf, or the
// zero time if none exist.
func (b *BarStore) LastTimestamp(ctx context.Context, symbol string, tf model.Timeframe) (time.Time, error) {
	var ts *int64
	err := b.s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND tf = ?`,
		strings.ToUpper(symbol), string(tf),
	).Scan(&ts)
	if err != nil || ts == nil {
		return time.Time{}, err
	}
	return time.Unix(*ts, 0).UTC(), nil
}
