package datatype

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Canonical byte-comparable encoding for grouping keys.
//
// Each grouping column contributes one encoded segment; concatenated segments
// compare with bytes.Compare exactly as the tuple of typed values would. The
// spill-file format stays a plain byte string and the k-way merge never has
// to decode a key.
//
// Segment layout: a blank cell is the single byte 0x00 and sorts before any
// present value, which is the byte 0x01 followed by the type payload:
//
//	Boolean   one byte, 0 or 1
//	Datetime  int64 millis with the sign bit flipped, big-endian
//	Integer   int64 with the sign bit flipped, big-endian
//	Decimal   sign byte then 16-byte magnitude at fixed scale 10;
//	          negative magnitudes are bit-inverted so they sort descending
//	Strings   NFC-normalised UTF-8, 0x00 escaped as 0x00 0x01,
//	          terminated by 0x00 0x00
//	Uuid      the raw 16 bytes

const (
	keyBlank   = 0x00
	keyPresent = 0x01

	// decimalKeyScale fixes the decimal exponent used in keys. Values that
	// differ only below this scale encode identically, which matches the
	// precision of the storage form.
	decimalKeyScale = 10
)

// AppendKey appends the canonical encoding of v to dst and returns it.
// A nil value encodes the distinct blank segment.
func AppendKey(dst []byte, v Value) []byte {
	if v == nil {
		return append(dst, keyBlank)
	}
	dst = append(dst, keyPresent)

	switch n := v.(type) {
	case BoolValue:
		if n {
			return append(dst, 1)
		}
		return append(dst, 0)

	case DatetimeValue:
		return binary.BigEndian.AppendUint64(dst, uint64(int64(n))^(1<<63))

	case IntValue:
		return binary.BigEndian.AppendUint64(dst, uint64(int64(n))^(1<<63))

	case DecimalValue:
		return appendDecimalKey(dst, n.Dec)

	case StringValue:
		return appendStringKey(dst, string(n))

	case UuidValue:
		id := uuid.UUID(n)
		return append(dst, id[:]...)
	}

	return dst
}

func appendDecimalKey(dst []byte, d decimal.Decimal) []byte {
	// Shift the coefficient to the fixed key scale. 16 bytes of magnitude
	// hold well over 28 significant digits.
	scaled := d.Shift(decimalKeyScale).Truncate(0).BigInt()

	neg := scaled.Sign() < 0
	if neg {
		scaled.Neg(scaled)
	}

	var mag [16]byte
	if scaled.BitLen() > 128 {
		// Saturate rather than panic on values beyond 128 bits; ordering
		// degrades only among such extremes.
		for i := range mag {
			mag[i] = 0xFF
		}
	} else {
		scaled.FillBytes(mag[:])
	}

	if neg {
		dst = append(dst, 0)
		for _, b := range mag {
			dst = append(dst, ^b)
		}
		return dst
	}

	dst = append(dst, 1)
	return append(dst, mag[:]...)
}

func appendStringKey(dst []byte, s string) []byte {
	for _, b := range []byte(norm.NFC.String(s)) {
		if b == 0x00 {
			dst = append(dst, 0x00, 0x01)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, 0x00, 0x00)
}
