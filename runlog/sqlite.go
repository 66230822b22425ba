package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/echemlab/forcecell/sample"
)

// SQLite stores records in a samples table keyed by run name
type SQLite struct {
	db   *sql.DB
	ins  *sql.Stmt
	run  string
}

// OpenSQLite opens or creates the database at path and appends rows under
// run
func OpenSQLite(path, run string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS samples (
		run TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		phase TEXT NOT NULL,
		step INTEGER NOT NULL,
		force REAL,
		voltage REAL,
		current REAL,
		position REAL,
		temperature REAL,
		command REAL NOT NULL,
		charge TEXT NOT NULL,
		safety TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create samples table: %w", err)
	}
	ins, err := db.Prepare(`INSERT INTO samples
		(run, t_ns, phase, step, force, voltage, current, position, temperature, command, charge, safety)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &SQLite{db: db, ins: ins, run: run}, nil
}

// nullable stores a reading that is not a finite number as NULL
func nullable(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f) && !math.IsInf(f, 0)}
}

func orNaN(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

// Write inserts one row
func (s *SQLite) Write(r Record) error {
	smp := r.Sample
	_, err := s.ins.Exec(s.run, smp.Time.UnixNano(), r.Phase, r.Step,
		nullable(smp.Force), nullable(smp.Voltage), nullable(smp.Current), nullable(smp.Position),
		nullable(smp.Temperature), r.Command, r.Charge, r.Safety)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Records returns the rows of run in time order
func (s *SQLite) Records(ctx context.Context, run string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t_ns, phase, step, force, voltage, current,
		position, temperature, command, charge, safety FROM samples WHERE run = ? ORDER BY t_ns`, run)
	if err != nil {
		return nil, fmt.Errorf("select samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var (
			r                  Record
			ns                 int64
			f, v, i, pos, temp sql.NullFloat64
		)
		if err := rows.Scan(&ns, &r.Phase, &r.Step, &f, &v, &i,
			&pos, &temp, &r.Command, &r.Charge, &r.Safety); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Sample = sample.Sample{
			Time:        time.Unix(0, ns),
			Force:       orNaN(f),
			Voltage:     orNaN(v),
			Current:     orNaN(i),
			Position:    orNaN(pos),
			Temperature: orNaN(temp),
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLite) Close() error {
	s.ins.Close()
	return s.db.Close()
}
