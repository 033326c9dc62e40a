// Package datatype provides the typed value domain for grid cells.
//
// Columns are dynamically typed in storage (every CSV cell is text) but
// statically typed at the point of reference: the two-letter abbreviation on
// the second header row declares how a cell must parse. Values are modelled
// as a sealed interface so a cell is always exactly one of the supported
// kinds - there is no float anywhere in the domain.
package datatype

import "fmt"

// DataType is the declared logical type of a CSV column.
type DataType int

const (
	Unknown  DataType = iota // "??" - readable but not referencable.
	Boolean                  // "BO" - stored as 1 / 0.
	Datetime                 // "DT" - RFC3339 in storage, UTC millis in memory.
	Decimal                  // "DE" - fixed-point, financial precision.
	Integer                  // "IN" - 64-bit signed.
	String                   // "ST" - UTF-8.
	Uuid                     // "ID" - canonical hyphenated form.
)

// Abbreviations used on the schema row of the two-header CSV dialect.
const (
	AbbrUnknown  = "??"
	AbbrBoolean  = "BO"
	AbbrDatetime = "DT"
	AbbrDecimal  = "DE"
	AbbrInteger  = "IN"
	AbbrString   = "ST"
	AbbrUuid     = "ID"
)

// Boolean storage forms.
const (
	TrueValue  = "1"
	FalseValue = "0"
)

// FromAbbreviation maps a schema-row code to a DataType. Unrecognised codes
// map to Unknown - reading such a column is permitted, referencing it is not.
func FromAbbreviation(abbr string) DataType {
	switch abbr {
	case AbbrBoolean:
		return Boolean
	case AbbrDatetime:
		return Datetime
	case AbbrDecimal:
		return Decimal
	case AbbrInteger:
		return Integer
	case AbbrString:
		return String
	case AbbrUuid:
		return Uuid
	default:
		return Unknown
	}
}

// Abbreviation returns the two-letter schema-row code for the type.
func (dt DataType) Abbreviation() string {
	switch dt {
	case Boolean:
		return AbbrBoolean
	case Datetime:
		return AbbrDatetime
	case Decimal:
		return AbbrDecimal
	case Integer:
		return AbbrInteger
	case String:
		return AbbrString
	case Uuid:
		return AbbrUuid
	default:
		return AbbrUnknown
	}
}

func (dt DataType) String() string {
	switch dt {
	case Boolean:
		return "Boolean"
	case Datetime:
		return "Datetime"
	case Decimal:
		return "Decimal"
	case Integer:
		return "Integer"
	case String:
		return "String"
	case Uuid:
		return "Uuid"
	default:
		return "Unknown"
	}
}

// UnmarshalYAML decodes the charter spelling of a data type, e.g. "Decimal".
func (dt *DataType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch raw {
	case "Boolean":
		*dt = Boolean
	case "Datetime":
		*dt = Datetime
	case "Decimal":
		*dt = Decimal
	case "Integer":
		*dt = Integer
	case "String":
		*dt = String
	case "Uuid":
		*dt = Uuid
	default:
		return fmt.Errorf("unknown data type %q", raw)
	}
	return nil
}
