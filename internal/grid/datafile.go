package grid

import (
	"path/filepath"

	"github.com/GrandmasterTash/openrec/internal/folders"
)

// DataFile describes one sourced CSV file living in matching/ for the
// duration of a job.
type DataFile struct {
	Path      string // Full path in matching/.
	Filename  string // e.g. 20211126_072400000_invoices.unmatched.csv.
	Shortname string // Original name, e.g. invoices - rewrites never stack suffixes.
	Timestamp string // Filename prefix, e.g. 20211126_072400000.
	SchemaIdx int    // Index into the grid schema's file schemas.
}

// NewDataFile derives the naming fields from a path in matching/.
func NewDataFile(path string, schemaIdx int) (*DataFile, error) {
	name := filepath.Base(path)
	ts, err := folders.Timestamp(name)
	if err != nil {
		return nil, err
	}
	return &DataFile{
		Path:      path,
		Filename:  name,
		Shortname: folders.OriginalShortname(name),
		Timestamp: ts,
		SchemaIdx: schemaIdx,
	}, nil
}

// DerivedPath is the side-car file of projected and merged column values,
// row-aligned with this file.
func (f *DataFile) DerivedPath() string {
	return filepath.Join(filepath.Dir(f.Path), f.Timestamp+"_"+f.Shortname+folders.DerivedSuffix)
}

// TimestampMillis parses the filename prefix into Unix milliseconds.
func (f *DataFile) TimestampMillis() (int64, error) {
	return folders.UnixMillis(f.Timestamp)
}
