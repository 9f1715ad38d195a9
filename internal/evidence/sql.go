package evidence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect struct {
	driver    string
	create    string
	insert    string
	returning bool // insert yields the id through RETURNING
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		create: `CREATE TABLE IF NOT EXISTS SuspiciousObjects (id INTEGER PRIMARY KEY, timestamp TEXT, image BLOB)`,
		insert: `INSERT INTO SuspiciousObjects (timestamp, image) VALUES (?, ?)`,
	},
	"postgres": {
		driver:    "pgx",
		create:    `CREATE TABLE IF NOT EXISTS SuspiciousObjects (id BIGSERIAL PRIMARY KEY, timestamp TEXT NOT NULL, image BYTEA NOT NULL)`,
		insert:    `INSERT INTO SuspiciousObjects (timestamp, image) VALUES ($1, $2) RETURNING id`,
		returning: true,
	},
	"mysql": {
		driver: "mysql",
		create: `CREATE TABLE IF NOT EXISTS SuspiciousObjects (id BIGINT AUTO_INCREMENT PRIMARY KEY, timestamp VARCHAR(64) NOT NULL, image LONGBLOB NOT NULL)`,
		insert: `INSERT INTO SuspiciousObjects (timestamp, image) VALUES (?, ?)`,
	},
}

const selectAll = `SELECT id, timestamp, image FROM SuspiciousObjects ORDER BY id`

// SQLStore keeps evidence in a SQL table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQL connects with the named dialect (sqlite, postgres, mysql) and
// creates the table if it is missing.
func OpenSQL(ctx context.Context, name, dsn string) (*SQLStore, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, name)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	if name == "sqlite" {
		// one writer at a time avoids SQLITE_BUSY between the frame loop
		// and HTTP readers
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", Table, err)
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, timestamp string, jpeg []byte) (int64, error) {
	if s.dialect.returning {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.dialect.insert, timestamp, jpeg).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert evidence: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, s.dialect.insert, timestamp, jpeg)
	if err != nil {
		return 0, fmt.Errorf("insert evidence: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("evidence id: %w", err)
	}
	return id, nil
}

// All implements Store.
func (s *SQLStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Image); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
