// Package instructions executes the charter's project and merge steps,
// producing the derived side-car file for every sourced data file. Group
// instructions are not handled here - the engine hands those to the sorter
// and constraint evaluator.
package instructions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
)

// EvalError reports a projection or merge that failed for a specific row.
type EvalError struct {
	Instruction int
	Column      string
	File        string
	Row         int
	Err         error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("instruction %d (%s) failed on %s row %d: %v",
		e.Instruction, e.Column, e.File, e.Row, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// DeriveSchema adds one derived column to the grid schema per project/merge
// instruction, in charter order, validating merges as it goes. It returns
// the first error encountered.
func DeriveSchema(g *grid.Grid, instructions []charter.Instruction) error {
	schema := g.Schema()

	for i, inst := range instructions {
		switch {
		case inst.Project != nil:
			col := grid.NewColumn(inst.Project.Column, "", inst.Project.AsType)
			if err := schema.AddDerivedColumn(col); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}

		case inst.Merge != nil:
			dt, err := mergeType(schema, inst.Merge.Columns)
			if err != nil {
				return fmt.Errorf("instruction %d (merge into %s): %w", i, inst.Merge.Into, err)
			}
			col := grid.NewColumn(inst.Merge.Into, "", dt)
			if err := schema.AddDerivedColumn(col); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
		}
	}
	return nil
}

// mergeType resolves the common declared type of the merge source columns.
// Mixing types - or including an unknown-typed column - is fatal.
func mergeType(schema *grid.Schema, columns []string) (datatype.DataType, error) {
	common := datatype.Unknown

	for _, header := range columns {
		col, ok := schema.Column(header)
		if !ok {
			return datatype.Unknown, fmt.Errorf("source column %q does not exist", header)
		}
		if col.Type == datatype.Unknown {
			return datatype.Unknown, fmt.Errorf("source column %q has unknown type", header)
		}
		if common == datatype.Unknown {
			common = col.Type
			continue
		}
		if col.Type != common {
			return datatype.Unknown, fmt.Errorf("source column %q is %s, other columns are %s",
				header, col.Type, common)
		}
	}

	if common == datatype.Unknown {
		return datatype.Unknown, fmt.Errorf("no source columns to merge")
	}
	return common, nil
}

// DeriveData evaluates every project/merge instruction for every record,
// writing the derived side-car files and stamping each record with its
// derived row offset. When there are no derived columns nothing is written.
func DeriveData(ctx context.Context, g *grid.Grid, host *script.Host, cfg *charter.Charter) error {
	schema := g.Schema()
	derivedCols := schema.DerivedColumns()
	if len(derivedCols) == 0 || g.IsEmpty() {
		return nil
	}

	headers := make([]string, len(derivedCols))
	types := make([]string, len(derivedCols))
	for i, col := range derivedCols {
		headers[i] = col.HeaderNoPrefix
		types[i] = col.Type.Abbreviation()
	}

	accessor := grid.NewAccessor(g)
	defer accessor.Close()

	for fileIdx, file := range schema.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := deriveFile(g, accessor, host, cfg, fileIdx, headers, types); err != nil {
			return fmt.Errorf("deriving %s: %w", file.Filename, err)
		}
	}

	slog.Info("derived columns written", "columns", len(derivedCols), "files", len(schema.Files()))
	return nil
}

func deriveFile(
	g *grid.Grid,
	accessor *grid.Accessor,
	host *script.Host,
	cfg *charter.Charter,
	fileIdx int,
	headers, types []string,
) error {
	file := g.Schema().Files()[fileIdx]

	w, err := dialect.Create(file.DerivedPath(), dialect.DefaultOptions())
	if err != nil {
		return err
	}
	defer w.Abort()

	if err := w.WriteHeaders(headers, types); err != nil {
		return err
	}

	values := make([]string, len(headers))
	for _, rec := range g.RecordsOfFile(fileIdx) {
		for i := range values {
			values[i] = ""
		}
		accessor.SetOverlay(rec, values)

		derivedIdx := 0
		for i, inst := range cfg.Matching.Instructions {
			switch {
			case inst.Project != nil:
				value, err := projectCell(accessor, host, rec, inst.Project)
				if err != nil {
					accessor.ClearOverlay()
					return &EvalError{Instruction: i, Column: inst.Project.Column,
						File: file.Filename, Row: rec.Row, Err: err}
				}
				values[derivedIdx] = value
				derivedIdx++

			case inst.Merge != nil:
				value, err := mergeCell(accessor, rec, inst.Merge.Columns)
				if err != nil {
					accessor.ClearOverlay()
					return &EvalError{Instruction: i, Column: inst.Merge.Into,
						File: file.Filename, Row: rec.Row, Err: err}
				}
				values[derivedIdx] = value
				derivedIdx++
			}
		}
		accessor.ClearOverlay()

		rec.DerivedOff = w.Offset()
		if err := w.Write(values); err != nil {
			return err
		}
	}

	if err := w.Commit(); err != nil {
		return err
	}
	// The derived rows just written supersede anything the accessor read.
	accessor.Invalidate()
	return nil
}

// projectCell evaluates one projection for one record, returning the storage
// form of the result, or blank when the `when` guard rejects the record.
func projectCell(accessor *grid.Accessor, host *script.Host, rec *grid.Record, p *charter.Project) (string, error) {
	if p.When != "" {
		pass, err := host.FilterRecord(accessor, rec, p.When, script.Columns(p.When, accessor.Schema()))
		if err != nil {
			return "", err
		}
		if !pass {
			return "", nil
		}
	}

	cols := script.Columns(p.From, accessor.Schema())
	table, err := host.RecordTable(accessor, rec, cols)
	if err != nil {
		return "", err
	}
	host.SetGlobal("record", table)

	result, err := host.Eval(p.From)
	if err != nil {
		return "", err
	}

	return script.ToStorage(result, p.AsType)
}

// mergeCell copies the first non-blank source cell verbatim; cells are
// already in canonical storage form.
func mergeCell(accessor *grid.Accessor, rec *grid.Record, columns []string) (string, error) {
	for _, header := range columns {
		raw, err := accessor.GetRaw(header, rec)
		if err != nil {
			return "", err
		}
		if raw != "" {
			return raw, nil
		}
	}
	return "", nil
}
