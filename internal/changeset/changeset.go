// Package changeset replays ordered changeset files against the data
// waiting to be matched, before the instruction pipeline runs. Changesets
// are the audited mechanism for correcting or suppressing unmatched data:
// operators never edit data files by hand.
package changeset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
)

// Change kinds.
const (
	KindUpdateFields  = "UpdateFields"
	KindIgnoreRecords = "IgnoreRecords"
	KindIgnoreFile    = "IgnoreFile"
	KindDeleteFile    = "DeleteFile" // Older spelling of IgnoreFile.
)

// ChangeSet is one instruction from a changeset file.
type ChangeSet struct {
	Id        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Change    Change    `json:"change"`

	// Populated while applying.
	Filename string `json:"-"`
	Updated  int    `json:"-"`
	Ignored  int    `json:"-"`
}

// Change carries the kind-specific payload.
type Change struct {
	Type      string        `json:"type"`
	Updates   []FieldChange `json:"updates,omitempty"`
	LuaFilter string        `json:"lua_filter,omitempty"`
	Filename  string        `json:"filename,omitempty"`
}

// FieldChange sets one field to a literal value, subject to type coercion.
type FieldChange struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Release records a record suppressed by IgnoreRecords: it leaves the match
// cycle and is referenced only by the job report afterwards.
type Release struct {
	ChangesetId uuid.UUID
	File        string
	Row         int
	OpenRecId   string
}

// Result summarises a replay.
type Result struct {
	Changesets []*ChangeSet
	Releases   []Release

	// AnyApplied reports whether any file content changed - the grid must
	// be re-sourced when it did.
	AnyApplied bool
}

// ParseError reports an unreadable changeset file. Replay aborts the job
// leaving the changeset in place for the operator.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse changeset %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load parses the given changeset files, already sorted by filename.
func Load(paths []string) ([]*ChangeSet, error) {
	var all []*ChangeSet
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		var content []*ChangeSet
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		for _, cs := range content {
			if err := cs.validate(); err != nil {
				return nil, &ParseError{Path: path, Err: err}
			}
			cs.Filename = filepath.Base(path)
		}
		all = append(all, content...)
		slog.Info("loaded changeset", "file", filepath.Base(path), "instructions", len(content))
	}
	return all, nil
}

func (cs *ChangeSet) validate() error {
	switch cs.Change.Type {
	case KindUpdateFields:
		if len(cs.Change.Updates) == 0 || cs.Change.LuaFilter == "" {
			return fmt.Errorf("changeset %s: UpdateFields needs updates and lua_filter", cs.Id)
		}
	case KindIgnoreRecords:
		if cs.Change.LuaFilter == "" {
			return fmt.Errorf("changeset %s: IgnoreRecords needs lua_filter", cs.Id)
		}
	case KindIgnoreFile, KindDeleteFile:
		if cs.Change.Filename == "" {
			return fmt.Errorf("changeset %s: %s needs filename", cs.Id, cs.Change.Type)
		}
	default:
		return fmt.Errorf("changeset %s: unknown change type %q", cs.Id, cs.Change.Type)
	}
	return nil
}

// Apply replays the changesets against the sourced grid. File contents are
// rewritten through shadow files that atomically replace the originals; the
// untouched originals are archived immediately for audit.
func Apply(ctx context.Context, control *folders.Control, g *grid.Grid, host *script.Host, changesets []*ChangeSet) (*Result, error) {
	result := &Result{Changesets: changesets}
	if len(changesets) == 0 {
		return result, nil
	}

	// File-level suppressions first: the named files never enter the grid.
	ignored := map[string]uuid.UUID{}
	for _, cs := range changesets {
		if cs.Change.Type == KindIgnoreFile || cs.Change.Type == KindDeleteFile {
			ignored[cs.Change.Filename] = cs.Id
		}
	}
	for filename, csId := range ignored {
		path := filepath.Join(control.Matching(), filename)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("changeset %s ignores %s which is not present: %w", csId, filename, err)
		}
		slog.Info("changeset suppressing file", "file", filename, "changeset", csId)
		if err := control.ArchiveFile(path); err != nil {
			return nil, err
		}
		result.AnyApplied = true
	}

	var rowLevel []*ChangeSet
	for _, cs := range changesets {
		if cs.Change.Type == KindUpdateFields || cs.Change.Type == KindIgnoreRecords {
			rowLevel = append(rowLevel, cs)
		}
	}
	if len(rowLevel) == 0 {
		return result, nil
	}

	for fileIdx, file := range g.Schema().Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, gone := ignored[file.Filename]; gone {
			continue
		}
		if err := applyToFile(control, g, host, rowLevel, fileIdx, result); err != nil {
			return nil, err
		}
	}

	for _, cs := range rowLevel {
		slog.Info("changeset applied", "changeset", cs.Id, "updated", cs.Updated, "ignored", cs.Ignored)
	}
	return result, nil
}

// applyToFile streams one data file through the row-level changesets,
// writing a shadow copy that replaces the original when anything changed.
func applyToFile(control *folders.Control, g *grid.Grid, host *script.Host, changesets []*ChangeSet, fileIdx int, result *Result) error {
	file := g.Schema().Files()[fileIdx]
	fs := g.Schema().FileSchemas()[file.SchemaIdx]

	r, err := dialect.Open(file.Path, dialect.DefaultOptions())
	if err != nil {
		return err
	}
	defer r.Close()

	shadow, err := dialect.Create(file.Path+".modifying", dialect.DefaultOptions())
	if err != nil {
		return err
	}
	defer shadow.Abort()

	if err := shadow.WriteHeaders(r.Columns, r.Types); err != nil {
		return err
	}

	filterCols := make([][]grid.Column, len(changesets))
	for i, cs := range changesets {
		filterCols[i] = script.Columns(cs.Change.LuaFilter, g.Schema())
	}

	touched := false
	for _, rec := range g.RecordsOfFile(fileIdx) {
		fields, err := r.ReadAt(rec.DataOff)
		if err != nil {
			return err
		}

		dropped := false
		for csIdx, cs := range changesets {
			cols := filterCols[csIdx]
			table, err := host.RowTable(fs, file, fields, cols)
			if err != nil {
				return fmt.Errorf("changeset %s on %s row %d: %w", cs.Id, file.Filename, rec.Row, err)
			}
			host.SetGlobal("record", table)

			hit, err := host.EvalBool(cs.Change.LuaFilter)
			if err != nil {
				return fmt.Errorf("changeset %s on %s row %d: %w", cs.Id, file.Filename, rec.Row, err)
			}
			if !hit {
				continue
			}

			switch cs.Change.Type {
			case KindUpdateFields:
				if err := updateFields(fs, fields, cs.Change.Updates); err != nil {
					return fmt.Errorf("changeset %s on %s row %d: %w", cs.Id, file.Filename, rec.Row, err)
				}
				cs.Updated++
				touched = true

			case KindIgnoreRecords:
				if !dropped {
					dropped = true
					touched = true
					cs.Ignored++
					result.Releases = append(result.Releases, Release{
						ChangesetId: cs.Id,
						File:        file.Filename,
						Row:         rec.Row,
						OpenRecId:   openRecId(fs, fields),
					})
				}
			}
		}

		if !dropped {
			if err := shadow.Write(fields); err != nil {
				return err
			}
		}
	}

	if !touched {
		return shadow.Abort()
	}

	if err := shadow.Commit(); err != nil {
		return err
	}
	// Archive the untouched original, then promote the shadow to its name.
	if err := control.ArchiveFile(file.Path); err != nil {
		return err
	}
	if err := os.Rename(file.Path+".modifying", file.Path); err != nil {
		return err
	}
	result.AnyApplied = true
	return nil
}

// updateFields rewrites the named fields in place, coercing each value to
// its column's declared type.
func updateFields(fs grid.FileSchema, fields []string, updates []FieldChange) error {
	for _, update := range updates {
		pos := -1
		var col grid.Column
		for i, c := range fs.Columns {
			if c.Header == update.Field || c.HeaderNoPrefix == update.Field {
				pos, col = i, c
				break
			}
		}
		if pos < 0 {
			return fmt.Errorf("field %q does not exist", update.Field)
		}

		v, err := datatype.Parse(col.Type, update.Value)
		if err != nil {
			return err
		}
		if v == nil {
			fields[pos] = ""
			continue
		}
		fields[pos] = v.Format()
	}
	return nil
}

func openRecId(fs grid.FileSchema, fields []string) string {
	for i, col := range fs.Columns {
		if col.Header == grid.IdColumn && i < len(fields) {
			return fields[i]
		}
	}
	return ""
}

// ArchiveChangesets moves the replayed changeset files into the archive so a
// future job cannot re-apply them to already modified data.
func ArchiveChangesets(control *folders.Control, paths []string) error {
	for _, path := range paths {
		if err := control.ArchiveFile(path); err != nil {
			return err
		}
	}
	return nil
}
