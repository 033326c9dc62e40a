// Package grid models the virtual grid: the logical union of every sourced
// CSV row plus the derived columns a job projects alongside them. Records
// are locators - a file index, a row ordinal and byte offsets - so the grid
// stays memory-bounded no matter how large the inputs are; cell values are
// re-read from disk on demand.
package grid

import (
	"fmt"

	"github.com/GrandmasterTash/openrec/internal/datatype"
)

// Meta-columns present on every engine file.
const (
	StatusColumn = "OpenRecStatus"
	IdColumn     = "OpenRecId"
)

// Column is one named, typed column of the grid.
type Column struct {
	Header         string // Possibly prefixed, e.g. INV.Amount.
	HeaderNoPrefix string // As written in the file, e.g. Amount.
	Type           datatype.DataType
}

// NewColumn builds a column, applying the source prefix if one is in use.
// The engine meta-columns are never prefixed; they are shared by every file.
func NewColumn(header, prefix string, dt datatype.DataType) Column {
	full := header
	if prefix != "" && header != StatusColumn && header != IdColumn {
		full = prefix + "." + header
	}
	return Column{Header: full, HeaderNoPrefix: header, Type: dt}
}

// FileSchema is the declared schema of one sourced CSV file.
type FileSchema struct {
	Prefix  string
	Columns []Column
}

// Equal reports whether two file schemas match column-for-column. Files
// resolved by the same pattern must agree exactly.
func (s FileSchema) Equal(other FileSchema) bool {
	if s.Prefix != other.Prefix || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// Schema is the schema of the whole grid: every file, every file schema and
// the derived columns appended by project/merge instructions.
type Schema struct {
	files       []*DataFile
	fileSchemas []FileSchema
	derived     []Column

	headers []string
	colMap  map[string]Column

	// Per file-schema, header name to column position. Positions zero and
	// up are real CSV columns; -1 and down are derived columns (-1 is
	// derived column 0, -2 is derived column 1, and so on).
	positions []map[string]int
}

// NewSchema returns an empty grid schema.
func NewSchema() *Schema {
	return &Schema{colMap: map[string]Column{}}
}

// AddFile registers a sourced data file and returns its index.
func (s *Schema) AddFile(file *DataFile) int {
	s.files = append(s.files, file)
	return len(s.files) - 1
}

// AddFileSchema registers a file schema, reusing an existing index when an
// identical schema is already present.
func (s *Schema) AddFileSchema(fs FileSchema) int {
	for i, existing := range s.fileSchemas {
		if existing.Equal(fs) {
			return i
		}
	}
	s.fileSchemas = append(s.fileSchemas, fs)
	s.rebuild()
	return len(s.fileSchemas) - 1
}

// AddDerivedColumn appends a projected or merged column. Duplicate headers
// are rejected: every grid column name must be unique.
func (s *Schema) AddDerivedColumn(col Column) error {
	if _, exists := s.colMap[col.Header]; exists {
		return fmt.Errorf("column %q already exists in the grid", col.Header)
	}
	s.derived = append(s.derived, col)
	s.rebuild()
	return nil
}

func (s *Schema) Files() []*DataFile         { return s.files }
func (s *Schema) FileSchemas() []FileSchema  { return s.fileSchemas }
func (s *Schema) DerivedColumns() []Column   { return s.derived }
func (s *Schema) Headers() []string          { return s.headers }

// Column resolves a header name anywhere in the grid.
func (s *Schema) Column(header string) (Column, bool) {
	col, ok := s.colMap[header]
	return col, ok
}

// Type returns the declared type of a header, or Unknown if absent.
func (s *Schema) Type(header string) datatype.DataType {
	if col, ok := s.colMap[header]; ok {
		return col.Type
	}
	return datatype.Unknown
}

// Position resolves a header to a column position for the given file.
// Missing headers report ok=false: a column sourced from one file simply has
// no value on records from another.
func (s *Schema) Position(header string, fileIdx int) (int, bool) {
	schemaIdx := s.files[fileIdx].SchemaIdx
	pos, ok := s.positions[schemaIdx][header]
	return pos, ok
}

func (s *Schema) rebuild() {
	headers := make([]string, 0, len(s.colMap))
	colMap := map[string]Column{}
	positions := make([]map[string]int, len(s.fileSchemas))
	for i := range positions {
		positions[i] = map[string]int{}
	}

	for dIdx, col := range s.derived {
		headers = append(headers, col.Header)
		colMap[col.Header] = col
		for i := range positions {
			positions[i][col.Header] = -(dIdx + 1)
		}
	}

	for fsIdx, fs := range s.fileSchemas {
		for cIdx, col := range fs.Columns {
			if _, seen := colMap[col.Header]; !seen {
				headers = append(headers, col.Header)
				colMap[col.Header] = col
			}
			positions[fsIdx][col.Header] = cIdx
		}
	}

	s.headers = headers
	s.colMap = colMap
	s.positions = positions
}
