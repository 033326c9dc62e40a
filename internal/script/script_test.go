package script

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/lookup"
)

func newHost(t *testing.T) *Host {
	t.Helper()
	h, err := New("", nil)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestEval_Expression(t *testing.T) {
	h := newHost(t)
	v, err := h.Eval("1 + 2")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(3), v)
}

func TestEval_MultiStatementScript(t *testing.T) {
	h := newHost(t)
	v, err := h.Eval("local x = 2\nreturn x * 21")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(42), v)
}

func TestEvalBool_RejectsNonBoolean(t *testing.T) {
	h := newHost(t)
	_, err := h.EvalBool(`"yes"`)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
}

func TestDecimal_ArithmeticIsPrecise(t *testing.T) {
	h := newHost(t)

	// 0.1 + 0.2 in binary floats is not 0.3; through the decimal bridge it
	// must be exactly 0.3.
	v, err := h.Eval(`tostring(decimal("0.1") + decimal("0.2"))`)
	require.NoError(t, err)
	assert.Equal(t, lua.LString("0.3"), v)
}

func TestDecimal_MultiplicationPreservesScaleSum(t *testing.T) {
	h := newHost(t)
	v, err := h.Eval(`tostring(decimal("1000.00") * decimal("0.75"))`)
	require.NoError(t, err)
	assert.Equal(t, lua.LString("750"), v)

	v, err = h.Eval(`tostring(decimal("1.03") * decimal("0.0001"))`)
	require.NoError(t, err)
	assert.Equal(t, lua.LString("0.000103"), v)
}

func TestDecimal_Comparisons(t *testing.T) {
	h := newHost(t)
	for script, want := range map[string]bool{
		`decimal("1.50") == decimal("1.5")`: true,
		`decimal("1.49") < decimal("1.5")`:  true,
		`decimal("2") <= decimal("1.5")`:    false,
	} {
		got, err := h.EvalBool(script)
		require.NoError(t, err, script)
		assert.Equal(t, want, got, script)
	}
}

func TestAbsAndMidnight(t *testing.T) {
	h := newHost(t)

	v, err := h.Eval(`tostring(abs(decimal("-12.34")))`)
	require.NoError(t, err)
	assert.Equal(t, lua.LString("12.34"), v)

	// 2022-01-18T04:15:00.123Z -> midnight the same day.
	v, err = h.Eval(`midnight(1642479300123)`)
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(1642464000000), v)
}

func TestGlobalLua(t *testing.T) {
	h, err := New(`function double(x) return x * 2 end`, nil)
	require.NoError(t, err)
	defer h.Close()

	v, err := h.Eval("double(21)")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(42), v)
}

func TestSandbox_NoOsOrIo(t *testing.T) {
	h := newHost(t)
	for _, script := range []string{"os.exit(1)", `io.open("/etc/passwd")`} {
		_, err := h.Eval(script)
		assert.Error(t, err, script)
	}
}

func TestLookupHelper(t *testing.T) {
	dir := t.TempDir()
	w, err := dialect.Create(filepath.Join(dir, "fx.csv"), dialect.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.WriteHeaders([]string{"Currency", "Rate"}, []string{"ST", "DE"}))
	require.NoError(t, w.Write([]string{"USD", "0.75"}))
	require.NoError(t, w.Commit())

	store, err := lookup.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	h, err := New("", store)
	require.NoError(t, err)
	defer h.Close()

	v, err := h.Eval(`lookup("Rate", "fx.csv", "Currency", "USD")`)
	require.NoError(t, err)
	assert.Equal(t, lua.LString("0.75"), v)

	// A key miss is nil, not an error.
	v, err = h.Eval(`lookup("Rate", "fx.csv", "Currency", "JPY") == nil`)
	require.NoError(t, err)
	assert.Equal(t, lua.LTrue, v)

	// A missing file is an error.
	_, err = h.Eval(`lookup("Rate", "absent.csv", "Currency", "USD")`)
	assert.Error(t, err)
}

func TestAggregates(t *testing.T) {
	h := newHost(t)

	mkRecord := func(prefix string, amount string, qty int) *lua.LTable {
		rec := h.State().NewTable()
		rec.RawSetString("META.prefix", lua.LString(prefix))
		rec.RawSetString("AMOUNT", wrapDecimal(h.State(), decimal.RequireFromString(amount)))
		rec.RawSetString("QTY", lua.LNumber(qty))
		return rec
	}

	h.SetAggregates([]*lua.LTable{
		mkRecord("INV", "1050.99", 1),
		mkRecord("PAY", "1000.00", 2),
		mkRecord("PAY", "50.99", 3),
	})

	got, err := h.EvalBool(`count(function(r) return r["META.prefix"] == "PAY" end) == 2`)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = h.EvalBool(`sum("AMOUNT", function(r) return r["META.prefix"] == "PAY" end) == decimal("1050.99")`)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = h.EvalBool(`sum_int("QTY", function(r) return true end) == 6`)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = h.EvalBool(`min("AMOUNT", function(r) return true end) == decimal("50.99")`)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = h.EvalBool(`max_int("QTY", function(r) return true end) == 3`)
	require.NoError(t, err)
	assert.True(t, got)
}
