// Package storage persists positions, the append-only trade ledger and the
// profit pool in SQLite. Every multi-row commit runs in one transaction so a
// crash can never leave the books half-written.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/mkessler/leapsbot/internal/models"
)

// ErrNotFound is returned when a position id has no row.
var ErrNotFound = errors.New("storage: not found")

// timeFormat is RFC 3339 with fixed nine-digit fractional seconds. Times are
// stored in UTC, so the TEXT columns sort and compare byte-wise in the same
// order as the instants they encode. RFC3339Nano would drop trailing zeros
// and break that for whole-second values.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Interface is the persistence contract the ledger consumes.
type Interface interface {
	// CommitOpen journals an OPEN trade and inserts the position atomically.
	CommitOpen(pos *models.Position, rec *models.TradeRecord) error
	// CommitClose journals a CLOSE trade, moves the position to its terminal
	// status and writes the updated profit pool, all in one transaction.
	CommitClose(pos *models.Position, rec *models.TradeRecord, pool models.ProfitPool) error
	// CommitRoll journals both legs of a roll, retires the old position,
	// inserts the new one and writes the pool in one transaction.
	CommitRoll(closed, opened *models.Position, closeRec, openRec *models.TradeRecord, pool models.ProfitPool) error
	// CommitRollClose journals only the sell leg of a roll whose buy leg
	// failed at runtime. The resulting ledger state is deliberately dangling
	// and will halt the engine on next startup until reconciled.
	CommitRollClose(closed *models.Position, closeRec *models.TradeRecord, pool models.ProfitPool) error
	// CommitSatellite journals a SATELLITE_BUY and writes the pool together.
	CommitSatellite(rec *models.TradeRecord, pool models.ProfitPool) error
	// UpdatePositionStatus persists a status-only change (EXIT_PENDING and back).
	UpdatePositionStatus(id string, status models.PositionStatus) error

	ActivePositions() ([]models.Position, error)
	PositionsByStatus(status models.PositionStatus) ([]models.Position, error)
	GetPosition(id string) (*models.Position, error)
	ProfitPool() (models.ProfitPool, error)
	Trades(limit int) ([]models.TradeRecord, error)
	// DanglingRollIDs returns roll ids that have a ROLL_CLOSE leg but no
	// ROLL_OPEN leg.
	DanglingRollIDs() ([]string, error)
	// HasOpenActionSince reports whether an OPEN (and, optionally, ROLL_OPEN)
	// trade was journaled at or after ts.
	HasOpenActionSince(ts time.Time, includeRollOpen bool) (bool, error)

	Close() error
}

// SQLiteStore is the production Interface implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Interface = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	underlying    TEXT NOT NULL,
	strike        REAL NOT NULL,
	expiration    TEXT NOT NULL,
	option_right  TEXT NOT NULL,
	entry_delta   REAL NOT NULL,
	quantity      INTEGER NOT NULL,
	entry_price   REAL NOT NULL,
	entry_time    TEXT NOT NULL,
	status        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	action        TEXT NOT NULL,
	position_id   TEXT,
	roll_id       TEXT,
	symbol        TEXT NOT NULL,
	price         REAL NOT NULL,
	quantity      INTEGER NOT NULL,
	commission    TEXT NOT NULL,
	realized_pnl  TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_roll ON trades(roll_id) WHERE roll_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS profit_pool (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	realized_pnl  TEXT NOT NULL,
	deployed      TEXT NOT NULL
);

INSERT OR IGNORE INTO profit_pool (id, realized_pnl, deployed) VALUES (1, '0', '0');
`

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The engine serializes writes itself; a single connection sidesteps
	// SQLITE_BUSY between the loop and the dashboard reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CommitOpen(pos *models.Position, rec *models.TradeRecord) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertTrade(tx, rec); err != nil {
			return err
		}
		return insertPosition(tx, pos)
	})
}

func (s *SQLiteStore) CommitClose(pos *models.Position, rec *models.TradeRecord, pool models.ProfitPool) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertTrade(tx, rec); err != nil {
			return err
		}
		if err := updateStatus(tx, pos.ID, pos.Status); err != nil {
			return err
		}
		return writePool(tx, pool)
	})
}

func (s *SQLiteStore) CommitRoll(closed, opened *models.Position, closeRec, openRec *models.TradeRecord, pool models.ProfitPool) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertTrade(tx, closeRec); err != nil {
			return err
		}
		if err := insertTrade(tx, openRec); err != nil {
			return err
		}
		if err := updateStatus(tx, closed.ID, closed.Status); err != nil {
			return err
		}
		if err := insertPosition(tx, opened); err != nil {
			return err
		}
		return writePool(tx, pool)
	})
}

func (s *SQLiteStore) CommitRollClose(closed *models.Position, closeRec *models.TradeRecord, pool models.ProfitPool) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertTrade(tx, closeRec); err != nil {
			return err
		}
		if err := updateStatus(tx, closed.ID, closed.Status); err != nil {
			return err
		}
		return writePool(tx, pool)
	})
}

func (s *SQLiteStore) CommitSatellite(rec *models.TradeRecord, pool models.ProfitPool) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := insertTrade(tx, rec); err != nil {
			return err
		}
		return writePool(tx, pool)
	})
}

func (s *SQLiteStore) UpdatePositionStatus(id string, status models.PositionStatus) error {
	res, err := s.db.Exec(`UPDATE positions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActivePositions returns OPEN and EXIT_PENDING positions in FIFO order:
// oldest entry first, id as tiebreak.
func (s *SQLiteStore) ActivePositions() ([]models.Position, error) {
	return s.queryPositions(
		`SELECT id, symbol, underlying, strike, expiration, option_right, entry_delta,
		        quantity, entry_price, entry_time, status
		 FROM positions WHERE status IN (?, ?) ORDER BY entry_time ASC, id ASC`,
		string(models.StatusOpen), string(models.StatusExitPending))
}

func (s *SQLiteStore) PositionsByStatus(status models.PositionStatus) ([]models.Position, error) {
	return s.queryPositions(
		`SELECT id, symbol, underlying, strike, expiration, option_right, entry_delta,
		        quantity, entry_price, entry_time, status
		 FROM positions WHERE status = ? ORDER BY entry_time ASC, id ASC`,
		string(status))
}

func (s *SQLiteStore) GetPosition(id string) (*models.Position, error) {
	rows, err := s.queryPositions(
		`SELECT id, symbol, underlying, strike, expiration, option_right, entry_delta,
		        quantity, entry_price, entry_time, status
		 FROM positions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &rows[0], nil
}

func (s *SQLiteStore) ProfitPool() (models.ProfitPool, error) {
	var realized, deployed string
	err := s.db.QueryRow(`SELECT realized_pnl, deployed FROM profit_pool WHERE id = 1`).
		Scan(&realized, &deployed)
	if err != nil {
		return models.ProfitPool{}, fmt.Errorf("reading profit pool: %w", err)
	}
	return parsePool(realized, deployed)
}

func (s *SQLiteStore) Trades(limit int) ([]models.TradeRecord, error) {
	q := `SELECT id, ts, action, COALESCE(position_id, ''), COALESCE(roll_id, ''),
	             symbol, price, quantity, commission, realized_pnl
	      FROM trades ORDER BY ts DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("reading trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var rec models.TradeRecord
		var ts, commission string
		var realized sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.Action, &rec.PositionID, &rec.RollID,
			&rec.Symbol, &rec.Price, &rec.Quantity, &commission, &realized); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("trade %s: bad timestamp %q: %w", rec.ID, ts, err)
		}
		if rec.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, fmt.Errorf("trade %s: bad commission %q: %w", rec.ID, commission, err)
		}
		if realized.Valid {
			d, err := decimal.NewFromString(realized.String)
			if err != nil {
				return nil, fmt.Errorf("trade %s: bad realized pnl %q: %w", rec.ID, realized.String, err)
			}
			rec.RealizedPnL = decimal.NewNullDecimal(d)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DanglingRollIDs() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT roll_id FROM trades
		 WHERE action = ? AND roll_id IS NOT NULL AND roll_id NOT IN (
		     SELECT roll_id FROM trades WHERE action = ? AND roll_id IS NOT NULL
		 )`,
		string(models.ActionRollClose), string(models.ActionRollOpen))
	if err != nil {
		return nil, fmt.Errorf("scanning for dangling rolls: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) HasOpenActionSince(ts time.Time, includeRollOpen bool) (bool, error) {
	actions := []any{string(models.ActionOpen)}
	placeholder := "?"
	if includeRollOpen {
		actions = append(actions, string(models.ActionRollOpen))
		placeholder = "?, ?"
	}
	args := append(actions, ts.UTC().Format(timeFormat))

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM trades WHERE action IN (`+placeholder+`) AND ts >= ?`,
		args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying entry cadence: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertTrade(tx *sql.Tx, rec *models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var rollID any
	if rec.RollID != "" {
		rollID = rec.RollID
	}
	var positionID any
	if rec.PositionID != "" {
		positionID = rec.PositionID
	}
	var realized any
	if rec.RealizedPnL.Valid {
		realized = rec.RealizedPnL.Decimal.String()
	}
	_, err := tx.Exec(
		`INSERT INTO trades (id, ts, action, position_id, roll_id, symbol, price, quantity, commission, realized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(timeFormat), string(rec.Action),
		positionID, rollID, rec.Symbol, rec.Price, rec.Quantity,
		rec.Commission.String(), realized)
	if err != nil {
		return fmt.Errorf("journaling trade %s: %w", rec.ID, err)
	}
	return nil
}

func insertPosition(tx *sql.Tx, pos *models.Position) error {
	_, err := tx.Exec(
		`INSERT INTO positions (id, symbol, underlying, strike, expiration, option_right,
		                        entry_delta, quantity, entry_price, entry_time, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Contract.Symbol, pos.Contract.Underlying, pos.Contract.Strike,
		pos.Contract.Expiration.UTC().Format("2006-01-02"), string(pos.Contract.Right),
		pos.Contract.EntryDelta, pos.Quantity, pos.EntryPrice,
		pos.EntryTime.UTC().Format(timeFormat), string(pos.Status))
	if err != nil {
		return fmt.Errorf("inserting position %s: %w", pos.ID, err)
	}
	return nil
}

func updateStatus(tx *sql.Tx, id string, status models.PositionStatus) error {
	res, err := tx.Exec(`UPDATE positions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

// writePool persists the pool after re-checking the deployed <= realized
// invariant inside the transaction, so a violating pool can never reach disk.
func writePool(tx *sql.Tx, pool models.ProfitPool) error {
	if err := pool.CheckInvariant(); err != nil {
		return err
	}
	_, err := tx.Exec(`UPDATE profit_pool SET realized_pnl = ?, deployed = ? WHERE id = 1`,
		pool.RealizedPnL.String(), pool.Deployed.String())
	if err != nil {
		return fmt.Errorf("writing profit pool: %w", err)
	}
	return nil
}

func parsePool(realized, deployed string) (models.ProfitPool, error) {
	r, err := decimal.NewFromString(realized)
	if err != nil {
		return models.ProfitPool{}, fmt.Errorf("bad realized pnl %q: %w", realized, err)
	}
	d, err := decimal.NewFromString(deployed)
	if err != nil {
		return models.ProfitPool{}, fmt.Errorf("bad deployed %q: %w", deployed, err)
	}
	return models.ProfitPool{RealizedPnL: r, Deployed: d}, nil
}

func (s *SQLiteStore) queryPositions(query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		var expiration, entryTime string
		if err := rows.Scan(&p.ID, &p.Contract.Symbol, &p.Contract.Underlying,
			&p.Contract.Strike, &expiration, &p.Contract.Right, &p.Contract.EntryDelta,
			&p.Quantity, &p.EntryPrice, &entryTime, &p.Status); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		if p.Contract.Expiration, err = time.Parse("2006-01-02", expiration); err != nil {
			return nil, fmt.Errorf("position %s: bad expiration %q: %w", p.ID, expiration, err)
		}
		if p.EntryTime, err = time.Parse(time.RFC3339Nano, entryTime); err != nil {
			return nil, fmt.Errorf("position %s: bad entry time %q: %w", p.ID, entryTime, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
