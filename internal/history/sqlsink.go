package history

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects placeholder and DDL syntax for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends history events into the service_history table.
// The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink takes ownership of db.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "id INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "id BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_history(
			` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var errVal any
	if e.Error != "" {
		errVal = e.Error
	}
	q := `INSERT INTO service_history(occurred_at, event, service, pid, state, error) VALUES(?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO service_history(occurred_at, event, service, pid, state, error) VALUES($1, $2, $3, $4, $5, $6);`
	}
	_, err := s.db.ExecContext(ctx, q, e.OccurredAt.UTC(), string(e.Type), e.Service, e.PID, e.State, errVal)
	return err
}

// Recent returns up to limit events for service, newest first.
// An empty service matches every service.
func (s *SQLSink) Recent(ctx context.Context, service string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, event, service, pid, state, error FROM service_history
		WHERE (? = '' OR service = ?) ORDER BY id DESC LIMIT ?;`
	if s.dialect == DialectPostgres {
		q = `SELECT occurred_at, event, service, pid, state, error FROM service_history
		WHERE ($1::text = '' OR service = $1) ORDER BY id DESC LIMIT $2;`
	}
	var (
		rows *sql.Rows
		err  error
	)
	if s.dialect == DialectPostgres {
		rows, err = s.db.QueryContext(ctx, q, service, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q, service, service, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			typ    string
			errStr sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Service, &e.PID, &e.State, &errStr); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Error = errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
