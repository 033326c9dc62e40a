package script

import (
	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"
)

// SetAggregates installs the constraint-scope aggregate helpers, closed over
// the current group's record tables, and binds the group as the global
// `records`. Each helper takes a record-predicate filter; the column-reading
// variants take the column name first, e.g. sum("AMOUNT", function(r) ... end).
func (h *Host) SetAggregates(records []*lua.LTable) {
	state := h.state

	group := state.NewTable()
	for i, rec := range records {
		group.RawSetInt(i+1, rec)
	}
	state.SetGlobal("records", group)

	filtered := func(L *lua.LState, filter *lua.LFunction, each func(rec *lua.LTable) error) {
		for _, rec := range records {
			L.Push(filter)
			L.Push(rec)
			L.Call(1, 1)
			pass := L.Get(-1)
			L.Pop(1)
			if lua.LVAsBool(pass) {
				if err := each(rec); err != nil {
					L.RaiseError("%v", err)
				}
			}
		}
	}

	state.SetGlobal("count", state.NewFunction(func(L *lua.LState) int {
		filter := L.CheckFunction(1)
		n := 0
		filtered(L, filter, func(*lua.LTable) error { n++; return nil })
		L.Push(lua.LNumber(n))
		return 1
	}))

	// Decimal aggregates: sum, min, max.
	decimalAgg := func(name string, fold func(acc *decimal.Decimal, v decimal.Decimal, first bool)) lua.LGFunction {
		return func(L *lua.LState) int {
			field := L.CheckString(1)
			filter := L.CheckFunction(2)

			var acc decimal.Decimal
			first := true
			filtered(L, filter, func(rec *lua.LTable) error {
				v, err := decimalField(rec, field, name)
				if err != nil {
					return err
				}
				fold(&acc, v, first)
				first = false
				return nil
			})
			L.Push(wrapDecimal(L, acc))
			return 1
		}
	}

	state.SetGlobal("sum", state.NewFunction(decimalAgg("sum", func(acc *decimal.Decimal, v decimal.Decimal, _ bool) {
		*acc = acc.Add(v)
	})))
	state.SetGlobal("min", state.NewFunction(decimalAgg("min", func(acc *decimal.Decimal, v decimal.Decimal, first bool) {
		if first || v.LessThan(*acc) {
			*acc = v
		}
	})))
	state.SetGlobal("max", state.NewFunction(decimalAgg("max", func(acc *decimal.Decimal, v decimal.Decimal, first bool) {
		if first || v.GreaterThan(*acc) {
			*acc = v
		}
	})))

	// Integer aggregates: sum_int, min_int, max_int.
	intAgg := func(name string, fold func(acc *int64, v int64, first bool)) lua.LGFunction {
		return func(L *lua.LState) int {
			field := L.CheckString(1)
			filter := L.CheckFunction(2)

			var acc int64
			first := true
			filtered(L, filter, func(rec *lua.LTable) error {
				v, err := intField(rec, field, name)
				if err != nil {
					return err
				}
				fold(&acc, v, first)
				first = false
				return nil
			})
			L.Push(lua.LNumber(acc))
			return 1
		}
	}

	state.SetGlobal("sum_int", state.NewFunction(intAgg("sum_int", func(acc *int64, v int64, _ bool) {
		*acc += v
	})))
	state.SetGlobal("min_int", state.NewFunction(intAgg("min_int", func(acc *int64, v int64, first bool) {
		if first || v < *acc {
			*acc = v
		}
	})))
	state.SetGlobal("max_int", state.NewFunction(intAgg("max_int", func(acc *int64, v int64, first bool) {
		if first || v > *acc {
			*acc = v
		}
	})))
}

type aggregateError struct {
	fn    string
	field string
}

func (e *aggregateError) Error() string {
	if e.fn == "sum" || e.fn == "min" || e.fn == "max" {
		return "field " + e.field + " not found in record or not a Decimal; for Integer columns use " + e.fn + "_int()"
	}
	return "field " + e.field + " not found in record or not an Integer"
}

func decimalField(rec *lua.LTable, field, fn string) (decimal.Decimal, error) {
	ud, ok := rec.RawGetString(field).(*lua.LUserData)
	if !ok {
		// Blank cells are absent from the record table and sum as zero.
		if rec.RawGetString(field) == lua.LNil {
			return decimal.Decimal{}, nil
		}
		return decimal.Decimal{}, &aggregateError{fn: fn, field: field}
	}
	d, ok := ud.Value.(decimal.Decimal)
	if !ok {
		return decimal.Decimal{}, &aggregateError{fn: fn, field: field}
	}
	return d, nil
}

func intField(rec *lua.LTable, field, fn string) (int64, error) {
	n, ok := rec.RawGetString(field).(lua.LNumber)
	if !ok {
		if rec.RawGetString(field) == lua.LNil {
			return 0, nil
		}
		return 0, &aggregateError{fn: fn, field: field}
	}
	return int64(n), nil
}
