// Package store persists controller state in SQLite: ingested observations in
// SnifferInfo and detector output in IPBlacklist. Connections come from the
// database/sql pool, bounded to the configured size; every operation acquires
// and releases within one call.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

const timeLayout = "2006-01-02 15:04:05"

// ErrBadProjection is returned when a rule projection names an unknown column.
var ErrBadProjection = errors.New("store: unknown projection column")

var blacklistColumns = map[string]struct{}{
	"ip":       {},
	"time_arr": {},
	"duration": {},
}

// Store is the controller's SQLite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path with a connection pool
// bounded to maxConns and ensures both tables exist.
func Open(path string, maxConns int) (*Store, error) {
	if maxConns <= 0 {
		maxConns = 5
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	const schema = `
CREATE TABLE IF NOT EXISTS SnifferInfo (
    id INTEGER PRIMARY KEY,
    sip TEXT,
    dip TEXT,
    sport INTEGER,
    dport INTEGER,
    protocol TEXT,
    tcp_flag TEXT,
    timestamp TEXT,
    length TEXT,
    time_arr TEXT,
    duration TEXT,
    count INTEGER DEFAULT 1
);
CREATE TABLE IF NOT EXISTS IPBlacklist (
    id INTEGER PRIMARY KEY,
    ip TEXT UNIQUE,
    time_arr TEXT,
    duration TEXT
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	return nil
}

// BlacklistUpsert inserts ip into the blacklist or, if present, refreshes its
// arrival time. Detector emission is at-least-once; the refresh absorbs the
// duplicates.
func (s *Store) BlacklistUpsert(ip string) error {
	now := s.now().Format(timeLayout)
	_, err := s.db.Exec(`
INSERT INTO IPBlacklist (ip, time_arr) VALUES (?, ?)
ON CONFLICT(ip) DO UPDATE SET time_arr = excluded.time_arr`, ip, now)
	if err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("blacklist upsert %s: %w", ip, err)
	}
	if n, err := s.BlacklistSize(); err == nil {
		metrics.BlacklistSize.Set(float64(n))
	}
	return nil
}

// BlacklistProject materializes the blacklist as rule strings: the named
// columns of each row joined by spaces. Columns default to ("ip").
func (s *Store) BlacklistProject(columns ...string) ([]string, error) {
	if len(columns) == 0 {
		columns = []string{"ip"}
	}
	for _, c := range columns {
		if _, ok := blacklistColumns[c]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrBadProjection, c)
		}
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT %s FROM IPBlacklist", strings.Join(columns, ", ")))
	if err != nil {
		metrics.IncError(metrics.ErrStore)
		return nil, fmt.Errorf("blacklist project: %w", err)
	}
	defer rows.Close()
	var rules []string
	vals := make([]sql.NullString, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("blacklist project scan: %w", err)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = v.String
		}
		rules = append(rules, strings.Join(parts, " "))
	}
	return rules, rows.Err()
}

// BlacklistDurationUpdate recomputes duration = now - time_arr (seconds) for
// every row.
func (s *Store) BlacklistDurationUpdate() error {
	rows, err := s.db.Query("SELECT id, time_arr FROM IPBlacklist")
	if err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("duration update: %w", err)
	}
	type rec struct {
		id  int64
		arr string
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.arr); err != nil {
			rows.Close()
			return fmt.Errorf("duration update scan: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	now := s.now()
	for _, r := range recs {
		arrived, err := time.ParseInLocation(timeLayout, r.arr, time.Local)
		if err != nil {
			continue
		}
		dur := now.Sub(arrived).Seconds()
		if _, err := s.db.Exec("UPDATE IPBlacklist SET duration = ? WHERE id = ?",
			fmt.Sprintf("%.0f", dur), r.id); err != nil {
			metrics.IncError(metrics.ErrStore)
			return fmt.Errorf("duration update %d: %w", r.id, err)
		}
	}
	return nil
}

// BlacklistTimeoutRemove prunes rows whose recorded duration exceeds the
// threshold (seconds).
func (s *Store) BlacklistTimeoutRemove(threshold time.Duration) error {
	_, err := s.db.Exec("DELETE FROM IPBlacklist WHERE CAST(duration AS INTEGER) > ?",
		int64(threshold.Seconds()))
	if err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("timeout remove: %w", err)
	}
	if n, err := s.BlacklistSize(); err == nil {
		metrics.BlacklistSize.Set(float64(n))
	}
	return nil
}

// BlacklistSize returns the current row count.
func (s *Store) BlacklistSize() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM IPBlacklist").Scan(&n); err != nil {
		return 0, fmt.Errorf("blacklist size: %w", err)
	}
	return n, nil
}

// BlacklistContains reports whether ip has a row.
func (s *Store) BlacklistContains(ip string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM IPBlacklist WHERE ip = ?", ip).Scan(&n); err != nil {
		return false, fmt.Errorf("blacklist contains: %w", err)
	}
	return n > 0, nil
}

// SnifferInfoUpsertBatch bulk-upserts observation records. Rows matching an
// existing (sip, dip, sport, dport, protocol) 5-tuple increment its count and
// refresh the volatile columns; new 5-tuples insert with count 1. The batch
// runs in one transaction.
func (s *Store) SnifferInfoUpsertBatch(obs []protocol.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("sniffer upsert begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	sel, err := tx.Prepare(`
SELECT id, count FROM SnifferInfo
WHERE sip = ? AND dip = ? AND sport = ? AND dport = ? AND protocol = ?`)
	if err != nil {
		return fmt.Errorf("sniffer upsert prepare: %w", err)
	}
	defer sel.Close()
	now := s.now().Format(timeLayout)
	for _, o := range obs {
		var id int64
		var count int
		err := sel.QueryRow(o.SrcIP, o.DstIP, o.SrcPort, o.DstPort, o.Protocol).Scan(&id, &count)
		switch {
		case err == nil:
			_, err = tx.Exec(`
UPDATE SnifferInfo SET count = ?, tcp_flag = ?, timestamp = ?, length = ?, time_arr = ? WHERE id = ?`,
				count+1, o.Flags, fmt.Sprintf("%v", o.Timestamp), fmt.Sprintf("%d", o.Length), now, id)
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(`
INSERT INTO SnifferInfo (sip, dip, sport, dport, protocol, tcp_flag, timestamp, length, time_arr)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				o.SrcIP, o.DstIP, o.SrcPort, o.DstPort, o.Protocol, o.Flags,
				fmt.Sprintf("%v", o.Timestamp), fmt.Sprintf("%d", o.Length), now)
		}
		if err != nil {
			metrics.IncError(metrics.ErrStore)
			return fmt.Errorf("sniffer upsert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		metrics.IncError(metrics.ErrStore)
		return fmt.Errorf("sniffer upsert commit: %w", err)
	}
	return nil
}

// SnifferInfoCount returns count for the given 5-tuple, 0 when absent.
func (s *Store) SnifferInfoCount(sip, dip string, sport, dport int, proto string) (int, error) {
	var n int
	err := s.db.QueryRow(`
SELECT count FROM SnifferInfo
WHERE sip = ? AND dip = ? AND sport = ? AND dport = ? AND protocol = ?`,
		sip, dip, sport, dport, proto).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sniffer count: %w", err)
	}
	return n, nil
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
