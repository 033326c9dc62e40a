package script

import (
	"regexp"

	lua "github.com/yuin/gopher-lua"

	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/grid"
)

// headerRegex finds the columns a script references, e.g. record["INV.Amount"],
// so only those cells are materialised per evaluation.
var headerRegex = regexp.MustCompile(`record\["(.*?)"\]`)

// Columns returns the grid columns referenced by the script.
func Columns(script string, schema *grid.Schema) []grid.Column {
	var cols []grid.Column
	for _, m := range headerRegex.FindAllStringSubmatch(script, -1) {
		if col, ok := schema.Column(m[1]); ok {
			cols = append(cols, col)
		}
	}
	return cols
}

// RecordTable materialises the given columns of a record into a Lua table,
// plus the synthetic META fields.
func (h *Host) RecordTable(a *grid.Accessor, rec *grid.Record, cols []grid.Column) (*lua.LTable, error) {
	table := h.state.NewTable()

	for _, col := range cols {
		if col.Type == datatype.Unknown {
			continue
		}
		v, err := a.Get(col.Header, rec)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		table.RawSetString(col.Header, h.luaValue(v))
	}

	prefix, filename, timestamp, err := a.Meta(rec)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		table.RawSetString("META.prefix", lua.LString(prefix))
	}
	table.RawSetString("META.filename", lua.LString(filename))
	table.RawSetString("META.timestamp", lua.LNumber(timestamp))

	return table, nil
}

// luaValue maps a typed cell value onto its script representation.
func (h *Host) luaValue(v datatype.Value) lua.LValue {
	switch val := v.(type) {
	case datatype.BoolValue:
		return lua.LBool(val)
	case datatype.DatetimeValue:
		return lua.LNumber(val)
	case datatype.DecimalValue:
		return wrapDecimal(h.state, val.Dec)
	case datatype.IntValue:
		return lua.LNumber(val)
	case datatype.StringValue:
		return lua.LString(val)
	case datatype.UuidValue:
		return lua.LString(val.Format())
	}
	return lua.LNil
}

// RowTable materialises a raw row - not yet part of any grid accessor - into
// a Lua table. The changeset replayer uses this so a later changeset's
// filter sees the field updates an earlier one made in the same pass.
func (h *Host) RowTable(fs grid.FileSchema, file *grid.DataFile, fields []string, cols []grid.Column) (*lua.LTable, error) {
	table := h.state.NewTable()

	for _, col := range cols {
		if col.Type == datatype.Unknown {
			continue
		}
		for pos, fileCol := range fs.Columns {
			if fileCol.Header != col.Header || pos >= len(fields) {
				continue
			}
			v, err := datatype.Parse(col.Type, fields[pos])
			if err != nil {
				return nil, err
			}
			if v != nil {
				table.RawSetString(col.Header, h.luaValue(v))
			}
			break
		}
	}

	if fs.Prefix != "" {
		table.RawSetString("META.prefix", lua.LString(fs.Prefix))
	}
	table.RawSetString("META.filename", lua.LString(file.Filename))
	ts, err := file.TimestampMillis()
	if err != nil {
		return nil, err
	}
	table.RawSetString("META.timestamp", lua.LNumber(ts))

	return table, nil
}

// FilterRecords evaluates a boolean filter script against each record and
// returns those that pass. The record table is bound as the global `record`.
func (h *Host) FilterRecords(a *grid.Accessor, records []*grid.Record, filter string) ([]*grid.Record, error) {
	cols := Columns(filter, a.Schema())

	var passed []*grid.Record
	for _, rec := range records {
		ok, err := h.FilterRecord(a, rec, filter, cols)
		if err != nil {
			return nil, err
		}
		if ok {
			passed = append(passed, rec)
		}
	}
	return passed, nil
}

// GroupTables materialises every record of a candidate group for a custom
// constraint script.
func GroupTables(h *Host, a *grid.Accessor, group []*grid.Record, cols []grid.Column) ([]*lua.LTable, error) {
	tables := make([]*lua.LTable, len(group))
	for i, rec := range group {
		table, err := h.RecordTable(a, rec, cols)
		if err != nil {
			return nil, err
		}
		tables[i] = table
	}
	return tables, nil
}

// FilterRecord evaluates a boolean filter script against one record.
func (h *Host) FilterRecord(a *grid.Accessor, rec *grid.Record, filter string, cols []grid.Column) (bool, error) {
	table, err := h.RecordTable(a, rec, cols)
	if err != nil {
		return false, err
	}
	h.state.SetGlobal("record", table)
	return h.EvalBool(filter)
}
