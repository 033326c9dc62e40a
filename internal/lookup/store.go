// Package lookup serves the Lua lookup() helper. Reference CSVs under the
// control's lookups/ folder are loaded on first use into an in-memory SQLite
// database, one table per file, so repeated lookups during a job are indexed
// queries rather than file scans.
package lookup

import (
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/GrandmasterTash/openrec/internal/dialect"
)

// Store caches lookup files for the duration of one job.
type Store struct {
	dir    string
	db     *sql.DB
	loaded map[string][]string // filename -> column names, nil until loaded
}

// MissingFileError reports a lookup against a file that does not exist.
type MissingFileError struct {
	Filename string
	Err      error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("lookup file %s: %v", e.Filename, e.Err)
}

// Open creates a store over the given lookups directory.
func Open(dir string) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("cannot open lookup database: %w", err)
	}

	// The store is only touched from the job's single thread.
	db.SetMaxOpenConns(1)

	return &Store{dir: dir, db: db, loaded: map[string][]string{}}, nil
}

// Close releases the in-memory database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns getCol from the first row of the named file where whereCol
// equals whereValue. A miss returns ok=false with no error; a missing file
// or column is an error.
func (s *Store) Lookup(getCol, filename, whereCol, whereValue string) (string, bool, error) {
	columns, err := s.ensure(filename)
	if err != nil {
		return "", false, err
	}

	if !contains(columns, getCol) {
		return "", false, fmt.Errorf("lookup file %s has no column %q", filename, getCol)
	}
	if !contains(columns, whereCol) {
		return "", false, fmt.Errorf("lookup file %s has no column %q", filename, whereCol)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY rowid LIMIT 1`,
		quoteIdent(getCol), quoteIdent(tableName(filename)), quoteIdent(whereCol))

	var result string
	switch err := s.db.QueryRow(query, whereValue).Scan(&result); err {
	case nil:
		return result, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("lookup %s: %w", filename, err)
	}
}

// ensure loads the file into its table on first reference.
func (s *Store) ensure(filename string) ([]string, error) {
	if columns, ok := s.loaded[filename]; ok {
		return columns, nil
	}

	r, err := dialect.Open(s.dir+"/"+filename, dialect.DefaultOptions())
	if err != nil {
		return nil, &MissingFileError{Filename: filename, Err: err}
	}
	defer r.Close()

	table := tableName(filename)
	quoted := make([]string, len(r.Columns))
	marks := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		quoted[i] = quoteIdent(col) + " TEXT"
		marks[i] = "?"
	}

	if _, err := s.db.Exec(fmt.Sprintf("CREATE TABLE %s (%s)",
		quoteIdent(table), strings.Join(quoted, ", "))); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", filename, err)
	}

	insert, err := s.db.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s)",
		quoteIdent(table), strings.Join(marks, ", ")))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", filename, err)
	}
	defer insert.Close()

	for {
		row, _, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", filename, err)
		}
		args := make([]any, len(r.Columns))
		for i := range args {
			if i < len(row) {
				args[i] = row[i]
			} else {
				args[i] = ""
			}
		}
		if _, err := insert.Exec(args...); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", filename, err)
		}
	}

	s.loaded[filename] = r.Columns
	return r.Columns, nil
}

var identStrip = regexp.MustCompile(`[^A-Za-z0-9_]`)

func tableName(filename string) string {
	return "lk_" + identStrip.ReplaceAllString(strings.TrimSuffix(filename, ".csv"), "_")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
