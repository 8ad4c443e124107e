package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenPostgres opens a PostgreSQL connection pool through the pgx stdlib driver.
func OpenPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	database, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	database.SetMaxOpenConns(maxConns)
	database.SetMaxIdleConns(maxConns / 2)

	return database, nil
}

// Dialect identifies the SQL dialect for driver-specific DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// AutoIncrementPK returns the driver-specific autoincrementing primary key clause.
func (d Dialect) AutoIncrementPK() string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// DialectFor maps a configured driver name to its Dialect.
func DialectFor(driver string) Dialect {
	if driver == "postgres" {
		return DialectPostgres
	}
	return DialectSQLite
}
