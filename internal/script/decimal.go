package script

import (
	"fmt"

	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"
)

// decimalTypeName keys the registered metatable for decimal userdata.
const decimalTypeName = "decimal"

// wrapDecimal boxes a decimal into Lua userdata carrying the shared
// metatable, so script arithmetic dispatches onto precise operations.
func wrapDecimal(L *lua.LState, d decimal.Decimal) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = d
	L.SetMetatable(ud, L.GetTypeMetatable(decimalTypeName))
	return ud
}

// UnwrapDecimal extracts a decimal from a Lua value, converting numbers and
// numeric strings. Used by the bridge when a script result must be Decimal.
func UnwrapDecimal(v lua.LValue) (decimal.Decimal, bool) {
	d, err := toDecimalValue(v)
	return d, err == nil
}

func toDecimal(L *lua.LState, v lua.LValue) (decimal.Decimal, error) {
	return toDecimalValue(v)
}

func toDecimalValue(v lua.LValue) (decimal.Decimal, error) {
	switch val := v.(type) {
	case *lua.LUserData:
		if d, ok := val.Value.(decimal.Decimal); ok {
			return d, nil
		}
	case lua.LNumber:
		return decimal.NewFromFloat(float64(val)), nil
	case lua.LString:
		if d, err := decimal.NewFromString(string(val)); err == nil {
			return d, nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("cannot convert %s to a decimal", v.Type())
}

// registerDecimalType installs the decimal metatable with overloaded
// arithmetic and comparison. Multiplication preserves the scale sum, which
// is the property exchange-rate projections depend on.
func registerDecimalType(L *lua.LState) {
	mt := L.NewTypeMetatable(decimalTypeName)

	binary := func(op func(a, b decimal.Decimal) decimal.Decimal) lua.LGFunction {
		return func(L *lua.LState) int {
			a, err := toDecimal(L, L.CheckAny(1))
			if err != nil {
				L.RaiseError("decimal arithmetic: %v", err)
			}
			b, err := toDecimal(L, L.CheckAny(2))
			if err != nil {
				L.RaiseError("decimal arithmetic: %v", err)
			}
			L.Push(wrapDecimal(L, op(a, b)))
			return 1
		}
	}

	compare := func(op func(a, b decimal.Decimal) bool) lua.LGFunction {
		return func(L *lua.LState) int {
			a, err := toDecimal(L, L.CheckAny(1))
			if err != nil {
				L.RaiseError("decimal comparison: %v", err)
			}
			b, err := toDecimal(L, L.CheckAny(2))
			if err != nil {
				L.RaiseError("decimal comparison: %v", err)
			}
			L.Push(lua.LBool(op(a, b)))
			return 1
		}
	}

	L.SetField(mt, "__add", L.NewFunction(binary(decimal.Decimal.Add)))
	L.SetField(mt, "__sub", L.NewFunction(binary(decimal.Decimal.Sub)))
	L.SetField(mt, "__mul", L.NewFunction(binary(decimal.Decimal.Mul)))
	L.SetField(mt, "__div", L.NewFunction(binary(decimal.Decimal.Div)))
	L.SetField(mt, "__unm", L.NewFunction(func(L *lua.LState) int {
		a, err := toDecimal(L, L.CheckAny(1))
		if err != nil {
			L.RaiseError("decimal negation: %v", err)
		}
		L.Push(wrapDecimal(L, a.Neg()))
		return 1
	}))

	L.SetField(mt, "__eq", L.NewFunction(compare(func(a, b decimal.Decimal) bool { return a.Equal(b) })))
	L.SetField(mt, "__lt", L.NewFunction(compare(func(a, b decimal.Decimal) bool { return a.LessThan(b) })))
	L.SetField(mt, "__le", L.NewFunction(compare(func(a, b decimal.Decimal) bool { return a.LessThanOrEqual(b) })))

	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		a, err := toDecimal(L, L.CheckAny(1))
		if err != nil {
			L.RaiseError("decimal tostring: %v", err)
		}
		L.Push(lua.LString(a.String()))
		return 1
	}))

	L.SetField(mt, "__concat", L.NewFunction(func(L *lua.LState) int {
		left := stringify(L.CheckAny(1))
		right := stringify(L.CheckAny(2))
		L.Push(lua.LString(left + right))
		return 1
	}))
}

func stringify(v lua.LValue) string {
	if ud, ok := v.(*lua.LUserData); ok {
		if d, ok := ud.Value.(decimal.Decimal); ok {
			return d.String()
		}
	}
	return v.String()
}
