// Package script hosts the sandboxed Lua evaluator used by projections,
// filters, changesets and custom constraints.
//
// The sandbox opens only the package, base, table, string and math libraries
// - no io, no os. Decimal cells cross the boundary as opaque userdata with overloaded
// arithmetic so financial values never degrade to floating point; datetimes
// cross as Unix-millisecond numbers.
package script

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/lookup"
)

// EvalError reports a script that failed to compile or run.
type EvalError struct {
	Script string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("script error: %v\nin script:\n%s", e.Err, e.Script)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Host owns one Lua state for the duration of a job.
type Host struct {
	state    *lua.LState
	lookups  *lookup.Store
	compiled map[string]*lua.FunctionProto
}

// New creates a sandboxed host. The optional globalLua script runs once,
// letting charters define shared helper functions. lookups may be nil when
// the control has no lookups folder in use.
func New(globalLua string, lookups *lookup.Store) (*Host, error) {
	state := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // Must precede the base library.
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		state.Push(state.NewFunction(lib.fn))
		state.Push(lua.LString(lib.name))
		state.Call(1, 0)
	}

	h := &Host{state: state, lookups: lookups, compiled: map[string]*lua.FunctionProto{}}
	registerDecimalType(state)
	h.registerHelpers()

	if globalLua != "" {
		if err := state.DoString(globalLua); err != nil {
			return nil, &EvalError{Script: globalLua, Err: err}
		}
	}
	return h, nil
}

// Close disposes the Lua state.
func (h *Host) Close() {
	h.state.Close()
}

// State exposes the underlying Lua state to the record/aggregate builders.
func (h *Host) State() *lua.LState { return h.state }

// SetGlobal binds a value into the script scope, e.g. the record table.
func (h *Host) SetGlobal(name string, value lua.LValue) {
	h.state.SetGlobal(name, value)
}

// Eval runs a script and returns its result. Scripts are usually bare
// expressions; a chunk that fails to parse as `return (expr)` is compiled
// verbatim so multi-statement scripts with their own return also work.
// Compiled chunks are cached per script text.
func (h *Host) Eval(script string) (lua.LValue, error) {
	proto, ok := h.compiled[script]
	if !ok {
		var err error
		proto, err = compile("return (" + script + ")")
		if err != nil {
			proto, err = compile(script)
		}
		if err != nil {
			return nil, &EvalError{Script: script, Err: err}
		}
		h.compiled[script] = proto
	}

	h.state.Push(h.state.NewFunctionFromProto(proto))
	if err := h.state.PCall(0, 1, nil); err != nil {
		return nil, &EvalError{Script: script, Err: err}
	}
	result := h.state.Get(-1)
	h.state.Pop(1)
	return result, nil
}

// EvalBool runs a filter script which must return a boolean.
func (h *Host) EvalBool(script string) (bool, error) {
	result, err := h.Eval(script)
	if err != nil {
		return false, err
	}
	b, ok := result.(lua.LBool)
	if !ok {
		return false, &EvalError{Script: script, Err: fmt.Errorf("expected a boolean result, got %s", result.Type())}
	}
	return bool(b), nil
}

func compile(src string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(src), "script")
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, "script")
}

// registerHelpers installs the global helper functions available at every
// evaluation site.
func (h *Host) registerHelpers() {
	state := h.state

	state.SetGlobal("decimal", state.NewFunction(func(L *lua.LState) int {
		dec, err := toDecimal(L, L.CheckAny(1))
		if err != nil {
			L.RaiseError("decimal(): %v", err)
		}
		L.Push(wrapDecimal(L, dec))
		return 1
	}))

	state.SetGlobal("abs", state.NewFunction(func(L *lua.LState) int {
		dec, err := toDecimal(L, L.CheckAny(1))
		if err != nil {
			L.RaiseError("abs(): %v", err)
		}
		L.Push(wrapDecimal(L, dec.Abs()))
		return 1
	}))

	state.SetGlobal("midnight", state.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt64(1)
		L.Push(lua.LNumber(datatype.Midnight(ms)))
		return 1
	}))

	state.SetGlobal("lookup", state.NewFunction(func(L *lua.LState) int {
		if h.lookups == nil {
			L.RaiseError("lookup(): no lookups folder for this control")
		}
		getCol := L.CheckString(1)
		filename := L.CheckString(2)
		whereCol := L.CheckString(3)
		whereValue := L.CheckString(4)

		value, found, err := h.lookups.Lookup(getCol, filename, whereCol, whereValue)
		if err != nil {
			L.RaiseError("lookup(): %v", err)
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(value))
		return 1
	}))
}
