package script

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/GrandmasterTash/openrec/internal/datatype"
)

// ToStorage converts a script result into the canonical storage form for the
// declared column type. Nil results become blank cells; anything else that
// does not fit the declared type is an error.
func ToStorage(v lua.LValue, dt datatype.DataType) (string, error) {
	if v == lua.LNil {
		return "", nil
	}

	switch dt {
	case datatype.Boolean:
		if b, ok := v.(lua.LBool); ok {
			return datatype.BoolValue(b).Format(), nil
		}

	case datatype.Datetime:
		if n, ok := v.(lua.LNumber); ok && float64(n) == math.Trunc(float64(n)) {
			return datatype.DatetimeValue(int64(n)).Format(), nil
		}

	case datatype.Decimal:
		if d, ok := UnwrapDecimal(v); ok {
			return datatype.DecimalValue{Dec: d}.Format(), nil
		}

	case datatype.Integer:
		if n, ok := v.(lua.LNumber); ok && float64(n) == math.Trunc(float64(n)) {
			return datatype.IntValue(int64(n)).Format(), nil
		}

	case datatype.String:
		switch s := v.(type) {
		case lua.LString:
			return string(s), nil
		case lua.LNumber:
			return s.String(), nil
		case *lua.LUserData:
			return stringify(v), nil
		}

	case datatype.Uuid:
		if s, ok := v.(lua.LString); ok {
			if id, err := uuid.Parse(string(s)); err == nil {
				return datatype.UuidValue(id).Format(), nil
			}
		}
	}

	return "", fmt.Errorf("script result %s does not convert to %s", v.Type(), dt)
}
