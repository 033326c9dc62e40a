package datatype

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAbbreviation_RoundTrip(t *testing.T) {
	for _, dt := range []DataType{Boolean, Datetime, Decimal, Integer, String, Uuid} {
		assert.Equal(t, dt, FromAbbreviation(dt.Abbreviation()))
	}
	assert.Equal(t, Unknown, FromAbbreviation("??"))
	assert.Equal(t, Unknown, FromAbbreviation("XX"))
}

func TestParse_BlankIsNil(t *testing.T) {
	v, err := Parse(Decimal, "")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParse_Boolean(t *testing.T) {
	v, err := Parse(Boolean, "1")
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)

	_, err = Parse(Boolean, "true")
	assert.Error(t, err, "only 1/0 are stored boolean forms")
}

func TestParse_Datetime(t *testing.T) {
	v, err := Parse(Datetime, "2022-01-18T04:15:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, DatetimeValue(1642479300000), v)

	// Formatting renders back to millisecond UTC.
	assert.Equal(t, "2022-01-18T04:15:00.000Z", v.Format())
}

func TestParse_DecimalKeepsScale(t *testing.T) {
	v, err := Parse(Decimal, "1050.99")
	require.NoError(t, err)
	assert.Equal(t, "1050.99", v.Format())
}

func TestParse_Integer(t *testing.T) {
	v, err := Parse(Integer, "42")
	require.NoError(t, err)
	assert.Equal(t, IntValue(42), v)

	_, err = Parse(Integer, "42x")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "42x", perr.Value)
}

func TestParse_Uuid(t *testing.T) {
	v, err := Parse(Uuid, "4c4bdf6f-6a77-4a21-b256-4c5026697dfb")
	require.NoError(t, err)
	assert.Equal(t, "4c4bdf6f-6a77-4a21-b256-4c5026697dfb", v.Format())
}

func TestEqual_WidensIntegerToDecimal(t *testing.T) {
	dec, err := Parse(Decimal, "42.00")
	require.NoError(t, err)

	assert.True(t, Equal(IntValue(42), dec))
	assert.False(t, Equal(IntValue(43), dec))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, IntValue(0)))
}

func TestAbs(t *testing.T) {
	d, ok := Abs(DecimalValue{decimal.RequireFromString("-12.34")})
	require.True(t, ok)
	assert.Equal(t, "12.34", d.String())

	_, ok = Abs(StringValue("x"))
	assert.False(t, ok)
}

func TestMidnight(t *testing.T) {
	// 2022-01-18T04:15:00.123Z -> 2022-01-18T00:00:00.000Z
	assert.Equal(t, int64(1642464000000), Midnight(1642479300123))
}
