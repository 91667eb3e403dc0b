package publish

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"statrelay/internal/log"
	"statrelay/internal/metrics"
)

// MemoryDatabaseName selects an in-memory SQLite database.
const MemoryDatabaseName = ":memory:"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS statrelay_counters (
	id INTEGER PRIMARY KEY,
	metric_name TEXT NOT NULL,
	metric_value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS statrelay_gauges (
	id INTEGER PRIMARY KEY,
	metric_name TEXT NOT NULL UNIQUE,
	metric_value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS statrelay_timers (
	id INTEGER PRIMARY KEY,
	metric_name TEXT NOT NULL,
	metric_value REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS statrelay_histograms (
	id INTEGER PRIMARY KEY,
	metric_name TEXT NOT NULL,
	metric_value INTEGER NOT NULL
);
`

// SqlitePublisher emits metrics to a SQLite database file or in-memory
// database. Especially useful in tests that need to actually evaluate
// recorded metrics. Counters, timers, and histograms are appended; gauges are
// replaced by name, keeping only the latest value.
type SqlitePublisher struct {
	databaseName string
	db           *sql.DB
}

// NewSqlitePublisher creates a publisher that writes to the named SQLite
// database. The connection is established lazily on first publish. An empty
// name selects an in-memory database.
func NewSqlitePublisher(databaseName string) *SqlitePublisher {
	if databaseName == "" {
		databaseName = MemoryDatabaseName
	}

	return &SqlitePublisher{databaseName: databaseName}
}

// initialize opens the database connection and creates the metrics schema,
// if not already done.
func (p *SqlitePublisher) initialize() error {
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", p.databaseName)
	if err != nil {
		return fmt.Errorf("sqlite: error opening database: name=%s err=%v", p.databaseName, err)
	}

	if p.databaseName == MemoryDatabaseName {
		// Every pooled connection sees its own private in-memory database, so
		// the pool must be pinned to a single connection.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: error initializing schema: err=%v", err)
	}

	p.db = db
	return nil
}

// Publish groups the batch by instrument type and inserts each group in its
// own transaction. SQL failures are logged per group and never propagated.
func (p *SqlitePublisher) Publish(batch []metrics.Metric, errorLogger log.Logger, enableMetaMetrics bool) {
	if len(batch) == 0 {
		return
	}

	var counterRows [][]interface{}
	var timerRows [][]interface{}
	var histogramRows [][]interface{}
	gauges := make(map[string]int64)
	var gaugeNames []string

	for _, metric := range batch {
		value, ok := metric.Value()
		if !ok {
			continue
		}

		switch m := metric.(type) {
		case *metrics.Counter:
			counterRows = append(counterRows, []interface{}{m.Name(), value})
		case *metrics.Gauge:
			if _, seen := gauges[m.Name()]; !seen {
				gaugeNames = append(gaugeNames, m.Name())
			}
			gauges[m.Name()] = value
		case *metrics.Timer:
			// Timers are stored in seconds by dividing the resolution back out.
			timerRows = append(timerRows, []interface{}{m.Name(), float64(value) / float64(m.Resolution())})
		case *metrics.Histogram:
			histogramRows = append(histogramRows, []interface{}{m.Name(), value})
		}
	}

	if len(counterRows) == 0 && len(gaugeNames) == 0 && len(timerRows) == 0 && len(histogramRows) == 0 {
		return
	}

	if err := p.initialize(); err != nil {
		if errorLogger != nil {
			errorLogger.Error("sqlite: failed to initialize metrics database: err=%v", err)
		}
		return
	}

	if len(counterRows) > 0 {
		if err := p.executeMany(
			"INSERT INTO statrelay_counters (metric_name, metric_value) VALUES (?, ?)",
			counterRows,
		); err != nil && errorLogger != nil {
			errorLogger.Error("sqlite: failed to send counters: err=%v", err)
		}
	}

	if len(gaugeNames) > 0 {
		gaugeRows := make([][]interface{}, 0, len(gaugeNames))
		for _, name := range gaugeNames {
			gaugeRows = append(gaugeRows, []interface{}{name, gauges[name]})
		}

		if err := p.executeMany(
			"REPLACE INTO statrelay_gauges (metric_name, metric_value) VALUES (?, ?)",
			gaugeRows,
		); err != nil && errorLogger != nil {
			errorLogger.Error("sqlite: failed to send gauges: err=%v", err)
		}
	}

	if len(timerRows) > 0 {
		if err := p.executeMany(
			"INSERT INTO statrelay_timers (metric_name, metric_value) VALUES (?, ?)",
			timerRows,
		); err != nil && errorLogger != nil {
			errorLogger.Error("sqlite: failed to send timers: err=%v", err)
		}
	}

	if len(histogramRows) > 0 {
		if err := p.executeMany(
			"INSERT INTO statrelay_histograms (metric_name, metric_value) VALUES (?, ?)",
			histogramRows,
		); err != nil && errorLogger != nil {
			errorLogger.Error("sqlite: failed to send histograms: err=%v", err)
		}
	}
}

// executeMany runs one prepared statement once per argument row, inside a
// single transaction.
func (p *SqlitePublisher) executeMany(statement string, rows [][]interface{}) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(statement)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, args := range rows {
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close releases the database connection, if one was established.
func (p *SqlitePublisher) Close() error {
	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	p.db = nil
	return err
}
