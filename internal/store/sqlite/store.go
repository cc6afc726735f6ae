// Package sqlite persists bars, decisions, fills and position events.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config configures the SQLite database.
type Config struct {
	Path string `mapstructure:"path"` // e.g. "data/tradesignals.db"
}

// DefaultConfig returns the default database location.
func DefaultConfig() Config {
	return Config{Path: "data/tradesignals.db"}
}

// Store owns the single-writer connection pool shared by BarStore and
// Journal.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the database in WAL mode and applies the schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Named("sqlite").Info("opened database", zap.String("path", cfg.Path))
	return &Store{db: db, log: log.Named("sqlite")}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol  TEXT    NOT NULL,
			tf      TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			open    REAL    NOT NULL,
			high    REAL    NOT NULL,
			low     REAL    NOT NULL,
			close   REAL    NOT NULL,
			volume  INTEGER NOT NULL,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS decisions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregator  TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			direction   TEXT,
			confidence  REAL    NOT NULL,
			execute     INTEGER NOT NULL,
			reason      TEXT,
			signal_id   TEXT,
			payload     TEXT    NOT NULL,
			decided_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol, decided_at);

		CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id    TEXT    NOT NULL,
			signal_id   TEXT    NOT NULL,
			strategy    TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			direction   TEXT    NOT NULL,
			qty         INTEGER NOT NULL,
			price       TEXT    NOT NULL,
			slippage    TEXT    NOT NULL,
			stop_loss   REAL    NOT NULL,
			target      REAL    NOT NULL,
			filled_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

		CREATE TABLE IF NOT EXISTS position_events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol  TEXT    NOT NULL,
			type    TEXT    NOT NULL,
			price   REAL    NOT NULL,
			stop    REAL    NOT NULL,
			reason  TEXT,
			at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_position_events_symbol ON position_events(symbol, at);
	`)
	return err
}
