package datatype

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Value is a sealed interface representing a typed cell value.
// Only BoolValue, DatetimeValue, DecimalValue, IntValue, StringValue and
// UuidValue implement it. A nil Value means the cell is blank.
type Value interface {
	value() // Sealed - only the types in this package implement it.

	// Type reports which DataType the value belongs to.
	Type() DataType

	// Format renders the canonical storage form written back to CSV.
	Format() string
}

// BoolValue holds a Boolean cell. Stored as "1" / "0".
type BoolValue bool

// DatetimeValue holds a Datetime cell as Unix milliseconds at UTC.
type DatetimeValue int64

// DecimalValue holds a Decimal cell with financial precision.
type DecimalValue struct{ Dec decimal.Decimal }

// IntValue holds an Integer cell.
type IntValue int64

// StringValue holds a String cell.
type StringValue string

// UuidValue holds a Uuid cell.
type UuidValue uuid.UUID

func (BoolValue) value()     {}
func (DatetimeValue) value() {}
func (DecimalValue) value()  {}
func (IntValue) value()      {}
func (StringValue) value()   {}
func (UuidValue) value()     {}

func (BoolValue) Type() DataType     { return Boolean }
func (DatetimeValue) Type() DataType { return Datetime }
func (DecimalValue) Type() DataType  { return Decimal }
func (IntValue) Type() DataType      { return Integer }
func (StringValue) Type() DataType   { return String }
func (UuidValue) Type() DataType     { return Uuid }

func (v BoolValue) Format() string {
	if v {
		return TrueValue
	}
	return FalseValue
}

// Format renders the datetime as RFC3339 with millisecond precision at UTC,
// e.g. 2022-01-18T04:15:00.000Z.
func (v DatetimeValue) Format() string {
	return time.UnixMilli(int64(v)).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (v DecimalValue) Format() string { return v.Dec.String() }

func (v IntValue) Format() string { return fmt.Sprintf("%d", int64(v)) }

func (v StringValue) Format() string { return string(v) }

func (v UuidValue) Format() string { return uuid.UUID(v).String() }

// ParseError reports a cell that would not parse as its declared type.
type ParseError struct {
	Type  DataType
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("value %q is not a valid %s", e.Value, e.Type)
}

// Parse converts the raw storage form of a cell into a typed Value.
// A blank cell parses to nil with no error. Unknown columns never parse.
func Parse(dt DataType, raw string) (Value, error) {
	if raw == "" {
		return nil, nil
	}

	switch dt {
	case Boolean:
		switch raw {
		case TrueValue:
			return BoolValue(true), nil
		case FalseValue:
			return BoolValue(false), nil
		}

	case Datetime:
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return DatetimeValue(ts.UnixMilli()), nil
		}

	case Decimal:
		if dec, err := decimal.NewFromString(raw); err == nil {
			return DecimalValue{dec}, nil
		}

	case Integer:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return IntValue(n), nil
		}

	case String:
		return StringValue(raw), nil

	case Uuid:
		if id, err := uuid.Parse(raw); err == nil {
			return UuidValue(id), nil
		}
	}

	return nil, &ParseError{Type: dt, Value: raw}
}

// Equal compares two values, widening Integer to Decimal so numeric types
// compare across kinds. Blank (nil) only equals blank.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if da, ok := widen(a); ok {
		if db, ok := widen(b); ok {
			return da.Equal(db)
		}
		return false
	}

	if a.Type() != b.Type() {
		return false
	}
	return a.Format() == b.Format()
}

// widen maps numeric values onto a common decimal domain.
func widen(v Value) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case IntValue:
		return decimal.NewFromInt(int64(n)), true
	case DecimalValue:
		return n.Dec, true
	default:
		return decimal.Decimal{}, false
	}
}

// Abs returns the decimal magnitude of a numeric value.
func Abs(v Value) (decimal.Decimal, bool) {
	d, ok := widen(v)
	if !ok {
		return decimal.Decimal{}, false
	}
	return d.Abs(), true
}

// Midnight truncates a UTC-millisecond timestamp to 00:00:00.000 UTC.
func Midnight(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.UnixMilli()
}
