package indexdb

import (
	"context"
	"database/sql"
)

type RunRow struct {
	RunID         string `json:"run_id"`
	StartedAt     string `json:"started_at"`
	StartTick     int64  `json:"start_tick"`
	Seed          int64  `json:"seed"`
	PaletteDigest string `json:"palette_digest"`
}

type EventRow struct {
	RunID     string `json:"run_id"`
	Tick      int64  `json:"tick"`
	Seq       int    `json:"seq"`
	MachineID int64  `json:"machine_id"`
	Kind      string `json:"kind"`
	Y         int    `json:"y"`
	Count     int64  `json:"count"`
}

type SnapshotRow struct {
	Tick       int64  `json:"tick"`
	RunID      string `json:"run_id"`
	Path       string `json:"path"`
	Machines   int    `json:"machines"`
	Running    int    `json:"running"`
	Chunks     int    `json:"chunks"`
	Suppressed int    `json:"suppressed_chunks"`
	RecordedAt string `json:"recorded_at"`
}

// EventFilter narrows QueryEvents. Zero fields match everything.
type EventFilter struct {
	RunID     string
	MachineID int64
	Kind      string
	Limit     int
}

func QueryRuns(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT run_id,started_at,start_tick,seed,palette_digest FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.StartTick, &r.Seed, &r.PaletteDigest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryEvents returns matching events in (tick, seq) order, newest last.
func QueryEvents(ctx context.Context, db *sql.DB, f EventFilter) ([]EventRow, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := `SELECT run_id,tick,seq,machine_id,kind,y,count FROM machine_events WHERE 1=1`
	var args []any
	if f.RunID != "" {
		q += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.MachineID != 0 {
		q += ` AND machine_id = ?`
		args = append(args, f.MachineID)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	q += ` ORDER BY tick, seq LIMIT ?`
	args = append(args, f.Limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.RunID, &r.Tick, &r.Seq, &r.MachineID, &r.Kind, &r.Y, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func QuerySnapshots(ctx context.Context, db *sql.DB, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT tick,run_id,path,machines,running,chunks,suppressed_chunks,recorded_at FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Tick, &r.RunID, &r.Path, &r.Machines, &r.Running, &r.Chunks, &r.Suppressed, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for read queries in the same process.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }
