package match

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
	"github.com/GrandmasterTash/openrec/internal/grid"
)

// WriteUnmatched rewrites every record still unmatched at job end into new
// files under unmatched/, one per source file. The rewrite keeps the source
// file's timestamp prefix, so records keep their chronological position in
// later jobs. A derived side-car is written alongside when derived columns
// exist; files that would be empty are not committed.
func WriteUnmatched(control *folders.Control, g *grid.Grid, reporter *Reporter) error {
	schema := g.Schema()

	for fileIdx, file := range schema.Files() {
		survivors := make([]*grid.Record, 0)
		for _, rec := range g.RecordsOfFile(fileIdx) {
			if rec.Status == grid.StatusUnmatched {
				survivors = append(survivors, rec)
			}
		}

		if len(survivors) == 0 {
			continue
		}

		filename, err := writeFile(control, g, fileIdx, survivors)
		if err != nil {
			return fmt.Errorf("writing unmatched for %s: %w", file.Filename, err)
		}
		reporter.AddUnmatchedFile(filename, len(survivors))
		slog.Info("unmatched records rewritten", "file", filename, "rows", len(survivors))
	}
	return nil
}

func writeFile(control *folders.Control, g *grid.Grid, fileIdx int, survivors []*grid.Record) (string, error) {
	schema := g.Schema()
	file := schema.Files()[fileIdx]
	fs := schema.FileSchemas()[file.SchemaIdx]

	name := file.Timestamp + "_" + file.Shortname + folders.UnmatchedSuffix
	base, err := dialect.Create(filepath.Join(control.Unmatched(), name), dialect.DefaultOptions())
	if err != nil {
		return "", err
	}
	defer base.Abort()

	headers := make([]string, len(fs.Columns))
	types := make([]string, len(fs.Columns))
	for i, col := range fs.Columns {
		headers[i] = col.HeaderNoPrefix
		types[i] = col.Type.Abbreviation()
	}
	if err := base.WriteHeaders(headers, types); err != nil {
		return "", err
	}

	r, err := dialect.Open(file.Path, dialect.DefaultOptions())
	if err != nil {
		return "", err
	}
	defer r.Close()

	var derived *dialect.Writer
	var derivedReader *dialect.Reader
	if len(schema.DerivedColumns()) > 0 {
		derivedName := file.Timestamp + "_" + file.Shortname + ".unmatched" + folders.DerivedSuffix
		derived, err = dialect.Create(filepath.Join(control.Unmatched(), derivedName), dialect.DefaultOptions())
		if err != nil {
			return "", err
		}
		defer derived.Abort()

		dHeaders := make([]string, 0, len(schema.DerivedColumns()))
		dTypes := make([]string, 0, len(schema.DerivedColumns()))
		for _, col := range schema.DerivedColumns() {
			dHeaders = append(dHeaders, col.HeaderNoPrefix)
			dTypes = append(dTypes, col.Type.Abbreviation())
		}
		if err := derived.WriteHeaders(dHeaders, dTypes); err != nil {
			return "", err
		}

		if _, statErr := os.Stat(file.DerivedPath()); statErr == nil {
			derivedReader, err = dialect.Open(file.DerivedPath(), dialect.DefaultOptions())
			if err != nil {
				return "", err
			}
			defer derivedReader.Close()
		}
	}

	for _, rec := range survivors {
		fields, err := r.ReadAt(rec.DataOff)
		if err != nil {
			return "", err
		}
		if err := base.Write(fields); err != nil {
			return "", err
		}

		if derived != nil {
			row := make([]string, len(schema.DerivedColumns()))
			if derivedReader != nil && rec.DerivedOff >= 0 {
				row, err = derivedReader.ReadAt(rec.DerivedOff)
				if err != nil {
					return "", err
				}
			}
			if err := derived.Write(row); err != nil {
				return "", err
			}
		}
	}

	if err := base.Commit(); err != nil {
		return "", err
	}
	if derived != nil {
		if err := derived.Commit(); err != nil {
			return "", err
		}
	}
	return name, nil
}
