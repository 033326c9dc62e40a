package grid

import (
	"fmt"
	"os"

	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/dialect"
)

// UnknownTypeError reports a reference to a column declared "??".
type UnknownTypeError struct {
	Column string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("column %q has unknown type and cannot be referenced", e.Column)
}

// CellError wraps a cell that failed to parse as its declared type.
type CellError struct {
	Column string
	Err    error
}

func (e *CellError) Error() string {
	return fmt.Sprintf("column %q: %v", e.Column, e.Err)
}

func (e *CellError) Unwrap() error { return e.Err }

// Accessor reads cell values for records through lazily opened, seekable
// readers - one per base file plus one per derived file. The last row read
// from each side is cached, so reading several columns of one record costs a
// single seek.
type Accessor struct {
	grid    *Grid
	data    []*dialect.Reader
	derived []*dialect.Reader

	cache struct {
		fileIdx  int
		dataOff  int64
		dataRow  []string
		derOff   int64
		derRow   []string
	}

	// During the derive pass the current record's derived values only exist
	// in this buffer - the derived file row is yet to be written.
	overlayRec    *Record
	overlayValues []string
}

// SetOverlay exposes in-flight derived values for one record, so an
// instruction can reference the columns written by earlier instructions in
// the same pass.
func (a *Accessor) SetOverlay(rec *Record, derivedValues []string) {
	a.overlayRec = rec
	a.overlayValues = derivedValues
}

// ClearOverlay removes the in-flight derived view.
func (a *Accessor) ClearOverlay() {
	a.overlayRec = nil
	a.overlayValues = nil
}

// NewAccessor creates an accessor over the grid. Close it when done.
func NewAccessor(g *Grid) *Accessor {
	a := &Accessor{
		grid:    g,
		data:    make([]*dialect.Reader, len(g.schema.Files())),
		derived: make([]*dialect.Reader, len(g.schema.Files())),
	}
	a.cache.fileIdx = -1
	return a
}

// Close releases every open reader.
func (a *Accessor) Close() {
	for _, r := range a.data {
		if r != nil {
			r.Close()
		}
	}
	for _, r := range a.derived {
		if r != nil {
			r.Close()
		}
	}
}

// Invalidate drops the row cache and closes derived readers. Call after
// derived files are rewritten beneath the accessor.
func (a *Accessor) Invalidate() {
	a.cache.fileIdx = -1
	for i, r := range a.derived {
		if r != nil {
			r.Close()
			a.derived[i] = nil
		}
	}
}

// Schema returns the grid schema.
func (a *Accessor) Schema() *Schema { return a.grid.Schema() }

// GetRaw returns the storage form of a cell, blank when the record's file
// has no such column.
func (a *Accessor) GetRaw(header string, rec *Record) (string, error) {
	pos, ok := a.grid.schema.Position(header, rec.FileIdx)
	if !ok {
		return "", nil
	}

	if pos >= 0 {
		row, err := a.dataRow(rec)
		if err != nil {
			return "", err
		}
		if pos >= len(row) {
			return "", nil
		}
		return row[pos], nil
	}

	if a.overlayRec == rec {
		dIdx := -pos - 1
		if dIdx >= len(a.overlayValues) {
			return "", nil
		}
		return a.overlayValues[dIdx], nil
	}

	if rec.DerivedOff < 0 {
		return "", nil
	}
	row, err := a.derivedRow(rec)
	if err != nil {
		return "", err
	}
	dIdx := -pos - 1
	if dIdx >= len(row) {
		return "", nil
	}
	return row[dIdx], nil
}

// Get returns the typed value of a cell, nil when blank. Referencing a
// column declared "??" is an error.
func (a *Accessor) Get(header string, rec *Record) (datatype.Value, error) {
	dt := a.grid.schema.Type(header)
	if dt == datatype.Unknown {
		if _, exists := a.grid.schema.Column(header); exists {
			return nil, &UnknownTypeError{Column: header}
		}
		return nil, nil
	}

	raw, err := a.GetRaw(header, rec)
	if err != nil {
		return nil, err
	}

	v, err := datatype.Parse(dt, raw)
	if err != nil {
		return nil, &CellError{Column: header, Err: err}
	}
	return v, nil
}

// Id returns the record's OpenRecId in storage form.
func (a *Accessor) Id(rec *Record) (string, error) {
	return a.GetRaw(IdColumn, rec)
}

// File returns the record's source file.
func (a *Accessor) File(rec *Record) *DataFile {
	return a.grid.schema.Files()[rec.FileIdx]
}

// Meta returns the synthetic read-only fields injected into script scope.
func (a *Accessor) Meta(rec *Record) (prefix, filename string, timestamp int64, err error) {
	file := a.File(rec)
	fs := a.grid.schema.FileSchemas()[file.SchemaIdx]
	ts, err := file.TimestampMillis()
	if err != nil {
		return "", "", 0, err
	}
	return fs.Prefix, file.Filename, ts, nil
}

func (a *Accessor) dataRow(rec *Record) ([]string, error) {
	if a.cache.fileIdx == rec.FileIdx && a.cache.dataRow != nil && a.cache.dataOff == rec.DataOff {
		return a.cache.dataRow, nil
	}

	r, err := a.dataReader(rec.FileIdx)
	if err != nil {
		return nil, err
	}
	row, err := r.ReadAt(rec.DataOff)
	if err != nil {
		return nil, fmt.Errorf("%s offset %d: %w", a.File(rec).Filename, rec.DataOff, err)
	}

	if a.cache.fileIdx != rec.FileIdx {
		a.cache.derRow = nil
	}
	a.cache.fileIdx = rec.FileIdx
	a.cache.dataOff = rec.DataOff
	a.cache.dataRow = row
	return row, nil
}

func (a *Accessor) derivedRow(rec *Record) ([]string, error) {
	if a.cache.fileIdx == rec.FileIdx && a.cache.derRow != nil && a.cache.derOff == rec.DerivedOff {
		return a.cache.derRow, nil
	}

	r, err := a.derivedReader(rec.FileIdx)
	if err != nil {
		return nil, err
	}
	row, err := r.ReadAt(rec.DerivedOff)
	if err != nil {
		return nil, fmt.Errorf("%s offset %d: %w", a.File(rec).Filename, rec.DerivedOff, err)
	}

	if a.cache.fileIdx != rec.FileIdx {
		a.cache.dataRow = nil
	}
	a.cache.fileIdx = rec.FileIdx
	a.cache.derOff = rec.DerivedOff
	a.cache.derRow = row
	return row, nil
}

func (a *Accessor) dataReader(fileIdx int) (*dialect.Reader, error) {
	if a.data[fileIdx] == nil {
		r, err := dialect.Open(a.grid.schema.Files()[fileIdx].Path, a.grid.opts)
		if err != nil {
			return nil, err
		}
		a.data[fileIdx] = r
	}
	return a.data[fileIdx], nil
}

func (a *Accessor) derivedReader(fileIdx int) (*dialect.Reader, error) {
	if a.derived[fileIdx] == nil {
		path := a.grid.schema.Files()[fileIdx].DerivedPath()
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("derived file %s: %w", path, err)
		}
		r, err := dialect.Open(path, dialect.DefaultOptions())
		if err != nil {
			return nil, err
		}
		a.derived[fileIdx] = r
	}
	return a.derived[fileIdx], nil
}
