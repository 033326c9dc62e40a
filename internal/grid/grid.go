package grid

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
)

// Record statuses. Matched records stay in the slice - later group stages
// and the unmatched rewrite skip them - so row bookkeeping never shifts.
const (
	StatusUnmatched = 0
	StatusMatched   = 1
)

// Record locates one logical row: the base CSV row and, once instructions
// have run, the row-aligned derived row. Only this compact struct is held in
// memory per row.
type Record struct {
	FileIdx    int
	Row        int   // 0-based data-row ordinal within the file.
	DataOff    int64 // Byte offset of the base row.
	DerivedOff int64 // Byte offset of the derived row, -1 until derived.
	Status     uint8
}

// SchemaMismatchError reports files under one pattern whose schemas differ.
type SchemaMismatchError struct {
	Pattern  string
	Filename string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema of %s does not match the other files of pattern %q", e.Filename, e.Pattern)
}

// Grid is the virtual table for one job.
type Grid struct {
	schema    *Schema
	records   []*Record
	opts      dialect.Options
	byLocator map[[2]int]*Record
}

// Load sources every file in matching/ named by the charter patterns and
// indexes their rows. Schemas of files under one pattern must agree.
func Load(control *folders.Control, cfg *charter.Charter, opts dialect.Options) (*Grid, error) {
	g := &Grid{schema: NewSchema(), opts: opts}

	for _, sf := range cfg.Matching.SourceFiles {
		pattern, err := regexp.Compile(sf.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid source_files pattern %q: %w", sf.Pattern, err)
		}

		paths, err := control.FilesInMatching(pattern)
		if err != nil {
			return nil, err
		}

		prefix := ""
		if cfg.UseFieldPrefixes() {
			prefix = sf.FieldPrefix
		}

		patternSchemaIdx := -1
		for _, path := range paths {
			schemaIdx, err := g.sourceFile(path, prefix, sf.Pattern, patternSchemaIdx)
			if err != nil {
				return nil, err
			}
			patternSchemaIdx = schemaIdx
		}
	}

	slog.Info("grid sourced", "files", len(g.schema.Files()), "records", len(g.records))
	return g, nil
}

// sourceFile reads one file's schema and row offsets into the grid.
func (g *Grid) sourceFile(path, prefix, pattern string, wantSchemaIdx int) (int, error) {
	r, err := dialect.Open(path, g.opts)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	fs, err := fileSchema(r, prefix)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	schemaIdx := g.schema.AddFileSchema(fs)
	if wantSchemaIdx >= 0 && schemaIdx != wantSchemaIdx {
		return 0, &SchemaMismatchError{Pattern: pattern, Filename: path}
	}

	file, err := NewDataFile(path, schemaIdx)
	if err != nil {
		return 0, err
	}
	fileIdx := g.schema.AddFile(file)

	row := 0
	for {
		fields, offset, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%s row %d: %w", path, row, err)
		}
		if len(fields) != len(fs.Columns) {
			return 0, fmt.Errorf("%s row %d: %d fields, schema has %d columns",
				path, row, len(fields), len(fs.Columns))
		}
		g.records = append(g.records, &Record{
			FileIdx:    fileIdx,
			Row:        row,
			DataOff:    offset,
			DerivedOff: -1,
		})
		row++
	}

	return schemaIdx, nil
}

// fileSchema builds a FileSchema from the reader's two header rows. The
// engine meta-columns must lead the file.
func fileSchema(r *dialect.Reader, prefix string) (FileSchema, error) {
	if len(r.Columns) < 2 || r.Columns[0] != StatusColumn || r.Columns[1] != IdColumn {
		return FileSchema{}, fmt.Errorf("first two columns must be %s, %s", StatusColumn, IdColumn)
	}

	fs := FileSchema{Prefix: prefix}
	for i, header := range r.Columns {
		fs.Columns = append(fs.Columns, NewColumn(header, prefix, datatype.FromAbbreviation(r.Types[i])))
	}
	return fs, nil
}

func (g *Grid) Schema() *Schema     { return g.schema }
func (g *Grid) Records() []*Record  { return g.records }
func (g *Grid) Len() int            { return len(g.records) }
func (g *Grid) IsEmpty() bool       { return len(g.records) == 0 }

// Live returns the records still eligible for matching.
func (g *Grid) Live() []*Record {
	var live []*Record
	for _, rec := range g.records {
		if rec.Status == StatusUnmatched {
			live = append(live, rec)
		}
	}
	return live
}

// Record resolves a (file, row) locator back to its record.
func (g *Grid) Record(fileIdx, row int) *Record {
	if g.byLocator == nil {
		g.byLocator = make(map[[2]int]*Record, len(g.records))
		for _, rec := range g.records {
			g.byLocator[[2]int{rec.FileIdx, rec.Row}] = rec
		}
	}
	return g.byLocator[[2]int{fileIdx, row}]
}

// RecordsOfFile returns the records of one file in row order.
func (g *Grid) RecordsOfFile(fileIdx int) []*Record {
	var recs []*Record
	for _, rec := range g.records {
		if rec.FileIdx == fileIdx {
			recs = append(recs, rec)
		}
	}
	return recs
}
