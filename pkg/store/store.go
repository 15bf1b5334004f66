package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	// registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

var (
	ErrFileNotReadable = errors.New("database file not readable")
	ErrDatabaseOpen    = errors.New("database open")
	ErrPrepare         = errors.New("prepare statement")
	ErrNoData          = errors.New("no data in table")
	ErrNoColumns       = errors.New("no columns in table")
)

// OpenFunc opens a handle to the database stored at path. The handle is owned
// by the caller, which must close it.
//
type OpenFunc func(ctx context.Context, path string) (*sql.DB, error)

// Source reads the newest row of a metrics table living in a local SQLite
// file.
//
// Nothing is cached between calls: every ReadLatest opens the file, reads the
// schema and the row, and closes the file again.
//
type Source struct {
	// path is the filesystem location of the SQLite database.
	//
	path string

	// table is the name of the table holding one row per sample.
	//
	table string

	// orderColumn is the column used to find the newest row (sorted
	// descending).
	//
	orderColumn string

	open OpenFunc
	log  logr.Logger
}

// Option is a functional argument that overrides Source defaults.
//
type Option func(s *Source)

// WithTable overrides the default `ZMETRIC` table.
//
func WithTable(v string) Option {
	return func(s *Source) {
		s.table = v
	}
}

// WithOrderColumn overrides the default `ZCREATIONDATE` ordering column.
//
func WithOrderColumn(v string) Option {
	return func(s *Source) {
		s.orderColumn = v
	}
}

// WithOpener replaces the function used to obtain a database handle.
//
func WithOpener(v OpenFunc) Option {
	return func(s *Source) {
		s.open = v
	}
}

func WithLogger(v logr.Logger) Option {
	return func(s *Source) {
		s.log = v
	}
}

// New instantiates a Source for the database at path.
//
func New(path string, opts ...Option) (*Source, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	s := &Source{
		path:        path,
		table:       "ZMETRIC",
		orderColumn: "ZCREATIONDATE",
		open:        OpenSQLite,
		log:         zapr.NewLogger(defaultLogger.Named("store")),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// OpenSQLite opens path read-only and reads the database header so that an
// unusable file (not a database, corrupt, locked) is reported here rather
// than on first query.
//
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	var version int64
	if err := db.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	return db, nil
}

// ReadLatest reads the schema of the table and then its newest row.
//
func (s *Source) ReadLatest(ctx context.Context) (row Row, err error) {
	log := s.log.WithValues("path", s.path, "table", s.table)
	log.V(1).Info("reading database")

	if err := checkReadable(s.path); err != nil {
		return nil, err
	}

	db, err := s.open(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOpen, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("db close: %w", cerr)
		}
	}()

	schema, err := ReadSchema(ctx, db, s.table)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	row, err = ReadRow(ctx, db, s.table, s.orderColumn, schema)
	if err != nil {
		return nil, fmt.Errorf("read row: %w", err)
	}

	log.V(1).Info("row read", "columns", len(row))

	return row, nil
}

// checkReadable makes sure the file can be opened for reading before any
// database connection is attempted.
//
func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileNotReadable, err)
	}

	info, err := f.Stat()
	_ = f.Close()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileNotReadable, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrFileNotReadable, path)
	}

	return nil
}

// ReadSchema returns the column names of table in declaration order.
//
func ReadSchema(ctx context.Context, db *sql.DB, table string) (Schema, error) {
	stmt, err := db.PrepareContext(ctx,
		"SELECT name FROM pragma_table_info(?) ORDER BY cid")
	if err != nil {
		return nil, fmt.Errorf("%w: table info: %v", ErrPrepare, err)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: query table info: %v", ErrPrepare, err)
	}
	defer rows.Close()

	var schema Schema
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}

		schema = append(schema, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}

	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoColumns, table)
	}

	return schema, nil
}

// ReadRow selects every column in schema from the newest row of table.
// orderColumn must be one of the schema's columns.
//
func ReadRow(
	ctx context.Context, db *sql.DB, table, orderColumn string, schema Schema,
) (Row, error) {
	if !schema.Has(orderColumn) {
		return nil, fmt.Errorf("%w: no such column: %s.%s", ErrPrepare, table, orderColumn)
	}

	stmt, err := db.PrepareContext(ctx, SelectLatestQuery(table, orderColumn, schema))
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", ErrPrepare, err)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: query latest: %v", ErrPrepare, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("next: %w", err)
		}

		return nil, fmt.Errorf("%w: %s", ErrNoData, table)
	}

	values := make([]interface{}, len(schema))
	dest := make([]interface{}, len(schema))
	for i := range values {
		dest[i] = &values[i]
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	row := make(Row, len(schema))
	for i, name := range schema {
		row[i] = Column{Name: name, Value: valueOf(values[i])}
	}

	return row, nil
}

// SelectLatestQuery builds the statement reading the newest row.
//
//	SELECT +`A`, +`B` FROM `T` ORDER BY `C` DESC LIMIT 1
//
// The unary plus leaves every value and its storage class untouched but
// drops the declared column type, so TEXT held in DATE or TIMESTAMP columns
// is returned as stored instead of being parsed into a time by the driver.
//
func SelectLatestQuery(table, orderColumn string, schema Schema) string {
	cols := make([]string, len(schema))
	for i, name := range schema {
		cols[i] = "+" + quoteIdentifier(name)
	}

	return "SELECT " + strings.Join(cols, ", ") +
		" FROM " + quoteIdentifier(table) +
		" ORDER BY " + quoteIdentifier(orderColumn) + " DESC LIMIT 1"
}

// quoteIdentifier quotes s with grave accents. Unlike double quotes, these
// never fall back to a string literal when no such column exists.
//
func quoteIdentifier(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// ErrorKind names the extraction failure class of err, suitable for use as a
// metric label.
//
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFileNotReadable):
		return "file_not_readable"
	case errors.Is(err, ErrDatabaseOpen):
		return "database_open"
	case errors.Is(err, ErrPrepare):
		return "prepare"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrNoColumns):
		return "no_columns"
	default:
		return "other"
	}
}
