// Package state is the system of record: it persists order intents,
// execution records, fills, positions, pattern performance windows, and a
// hash-chained audit log to Postgres, and exposes the narrow read paths
// the rest of the orchestrator needs to rebuild in-memory state on
// restart.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Store is the Postgres-backed StateStore. All writes that must survive a
// crash mid-flight (intents, fills, audit entries) go through it; the
// Orchestrator keeps its own in-memory working set and only falls back to
// Store on startup or recovery.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu       sync.Mutex
	lastHash string
}

// Open connects to Postgres via lib/pq through sqlx and prepares the
// schema if it does not already exist.
func Open(ctx context.Context, logger *zap.Logger, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := s.loadLastHash(ctx); err != nil {
		logger.Warn("could not load last audit hash, starting fresh chain", zap.Error(err))
	}
	return s, nil
}

// NewWithDB wraps an already-open sqlx.DB, used by tests against
// DATA-DOG/go-sqlmock.
func NewWithDB(logger *zap.Logger, db *sqlx.DB) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS bars (
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	open NUMERIC NOT NULL,
	high NUMERIC NOT NULL,
	low NUMERIC NOT NULL,
	close NUMERIC NOT NULL,
	volume NUMERIC NOT NULL,
	raw_zstd BYTEA,
	PRIMARY KEY (symbol, timeframe, open_time)
);
CREATE TABLE IF NOT EXISTS order_intents (
	client_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty NUMERIC NOT NULL,
	risk_pct NUMERIC NOT NULL,
	attempt_counter INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
	client_id TEXT PRIMARY KEY REFERENCES order_intents(client_id),
	venue_order_id TEXT,
	status TEXT NOT NULL,
	avg_price NUMERIC NOT NULL DEFAULT 0,
	filled_qty NUMERIC NOT NULL DEFAULT 0,
	remaining_qty NUMERIC NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id BIGSERIAL PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES order_intents(client_id),
	qty NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	fee NUMERIC NOT NULL DEFAULT 0,
	ts TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	qty NUMERIC NOT NULL,
	entry NUMERIC NOT NULL,
	stop NUMERIC NOT NULL,
	target NUMERIC NOT NULL,
	state TEXT NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	adjustments INT NOT NULL DEFAULT 0,
	pnl NUMERIC NOT NULL DEFAULT 0,
	closed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS pattern_performance (
	pattern_type TEXT PRIMARY KEY,
	weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
`

// SaveBars persists accepted bars; used to satisfy feed.Archive.
func (s *Store) SaveBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range bars {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal bar for archive: %w", err)
		}
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bars (symbol, timeframe, open_time, open, high, low, close, volume, raw_zstd)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (symbol, timeframe, open_time) DO NOTHING`,
			b.Symbol, b.Timeframe, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume, compressed); err != nil {
			return fmt.Errorf("insert bar: %w", err)
		}
	}
	return tx.Commit()
}

// DecodeArchivedBar decompresses and unmarshals a raw_zstd column value
// produced by SaveBars, used by offline tooling that reads the archive
// directly rather than through LatestBar.
func DecodeArchivedBar(compressed []byte) (types.Bar, error) {
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return types.Bar{}, fmt.Errorf("decompress archived bar: %w", err)
	}
	var b types.Bar
	if err := json.Unmarshal(raw, &b); err != nil {
		return types.Bar{}, fmt.Errorf("unmarshal archived bar: %w", err)
	}
	return b, nil
}

// LatestBar returns the most recently archived bar for (symbol, tf).
func (s *Store) LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, bool, error) {
	var b types.Bar
	err := s.db.GetContext(ctx, &b, `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM bars WHERE symbol=$1 AND timeframe=$2
		ORDER BY open_time DESC LIMIT 1`, symbol, tf)
	if err != nil {
		return types.Bar{}, false, nil
	}
	return b, true, nil
}

// RecentBars returns up to limit bars for (symbol, tf) ordered oldest to
// newest, the window the Indicator Engine and Pattern Detector consume
// each tick.
func (s *Store) RecentBars(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	var out []types.Bar
	err := s.db.SelectContext(ctx, &out, `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM bars WHERE symbol=$1 AND timeframe=$2
		ORDER BY open_time DESC LIMIT $3`, symbol, tf, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveIntent persists an admitted OrderIntent before submission, so a
// crash between admission and venue acknowledgment is recoverable.
func (s *Store) SaveIntent(ctx context.Context, intent types.OrderIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_intents (client_id, signal_id, symbol, side, qty, risk_pct, attempt_counter, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (client_id) DO NOTHING`,
		intent.ClientID, intent.SignalID, intent.Symbol, intent.Side, intent.Quantity, intent.RiskPct, intent.AttemptCounter, intent.CreatedAt)
	return err
}

// SaveExecution upserts an ExecutionRecord's current lifecycle state.
func (s *Store) SaveExecution(ctx context.Context, rec types.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (client_id, venue_order_id, status, avg_price, filled_qty, remaining_qty, last_update)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (client_id) DO UPDATE SET
			venue_order_id=EXCLUDED.venue_order_id, status=EXCLUDED.status,
			avg_price=EXCLUDED.avg_price, filled_qty=EXCLUDED.filled_qty,
			remaining_qty=EXCLUDED.remaining_qty, last_update=EXCLUDED.last_update`,
		rec.ClientID, rec.ExchangeOrderID, rec.Status, rec.AvgFillPrice, rec.FilledQty, rec.RemainingQty, rec.LastUpdate)
	return err
}

// SaveFill records one partial/full fill against an intent.
func (s *Store) SaveFill(ctx context.Context, clientID string, f types.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (client_id, qty, price, fee, ts) VALUES ($1,$2,$3,$4,$5)`,
		clientID, f.Qty, f.Price, f.Fee, f.Ts)
	return err
}

// UpsertPosition persists the Position Manager's current view of one
// position.
func (s *Store) UpsertPosition(ctx context.Context, p types.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (position_id, symbol, direction, qty, entry, stop, target, state, opened_at, adjustments, pnl, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (position_id) DO UPDATE SET
			qty=EXCLUDED.qty, stop=EXCLUDED.stop, target=EXCLUDED.target, state=EXCLUDED.state,
			adjustments=EXCLUDED.adjustments, pnl=EXCLUDED.pnl, closed_at=EXCLUDED.closed_at`,
		p.PositionID, p.Symbol, p.Direction, p.Quantity, p.AvgEntry, p.Stop, p.Target, p.State, p.OpenedAt, p.Adjustments, p.RealizedPnL, p.ClosedAt)
	return err
}

// OpenPositions returns every position not yet in a terminal closed state.
func (s *Store) OpenPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM positions WHERE state != $1`, types.PositionClosed)
	return out, err
}

// SavePatternWeight persists the Learning Memory's current weight for one
// pattern type.
func (s *Store) SavePatternWeight(ctx context.Context, pt types.PatternType, weight float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_performance (pattern_type, weight, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (pattern_type) DO UPDATE SET weight=EXCLUDED.weight, updated_at=EXCLUDED.updated_at`,
		pt, weight, at)
	return err
}

// PatternWeights returns the full weight table, used to seed the Learning
// Memory's WeightSource on startup.
func (s *Store) PatternWeights(ctx context.Context) (map[types.PatternType]float64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT pattern_type, weight FROM pattern_performance`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.PatternType]float64)
	for rows.Next() {
		var pt string
		var w float64
		if err := rows.Scan(&pt, &w); err != nil {
			return nil, err
		}
		out[types.PatternType(pt)] = w
	}
	return out, rows.Err()
}

// AppendAudit writes one entry to the hash-chained audit log: hash =
// sha256(prev_hash || json(payload)), so any tampering with a past entry
// breaks every hash computed after it.
func (s *Store) AppendAudit(ctx context.Context, eventType string, payload any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(s.lastHash))
	h.Write(body)
	hash := hex.EncodeToString(h.Sum(nil))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_type, payload, prev_hash, hash, recorded_at)
		VALUES ($1,$2,$3,$4,$5)`,
		eventType, body, s.lastHash, hash, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert audit entry: %w", err)
	}
	s.lastHash = hash
	return hash, nil
}

func (s *Store) loadLastHash(ctx context.Context) error {
	var hash string
	err := s.db.GetContext(ctx, &hash, `SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return err
	}
	s.lastHash = hash
	return nil
}

// VerifyAuditChain recomputes every hash in order and reports the first
// entry whose stored hash no longer matches, evidence of tampering or
// corruption.
func (s *Store) VerifyAuditChain(ctx context.Context) (ok bool, brokenAtID int64, err error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, payload, prev_hash, hash FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var payload []byte
		var prevHash, hash string
		if err := rows.Scan(&id, &payload, &prevHash, &hash); err != nil {
			return false, 0, err
		}
		h := sha256.New()
		h.Write([]byte(prevHash))
		h.Write(payload)
		computed := hex.EncodeToString(h.Sum(nil))
		if computed != hash {
			return false, id, nil
		}
	}
	return true, 0, rows.Err()
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
