// Package photodb owns the SQLite catalog shared by collections, refresh
// jobs and the photo selector. One database file per Expo instance.
package photodb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound            = errors.New("no entity for the given identifier")
	ErrDuplicateIdentifier = errors.New("identifier already in use")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is usable as a collection or
// refresh job identifier.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Open opens the catalog database. Foreign keys are enforced on every
// connection and writers wait up to 60 seconds on a locked database.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(60000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Setup brings the catalog schema up to date. Migrations are additive
// only; strategy data tables are created by their workers.
func Setup(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	return nil
}

// Date-times are stored as ISO-8601 strings with a UTC offset, the
// same convention for every column.

const timeLayout = time.RFC3339Nano

func FormatTime(t time.Time) string {
	return t.Format(timeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// FormatNullableTime returns nil for the zero time so the column stays
// NULL instead of holding a bogus epoch.
func FormatNullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(timeLayout)
}

func ParseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
