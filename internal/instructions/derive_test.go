package instructions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
)

func writeDataFile(t *testing.T, dir, name string, rows ...[]string) {
	t.Helper()
	w, err := dialect.Create(filepath.Join(dir, name), dialect.DefaultOptions())
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.Write(row))
	}
	require.NoError(t, w.Commit())
}

func fixtureGrid(t *testing.T, cfg *charter.Charter) (*grid.Grid, *folders.Control) {
	t.Helper()
	control := folders.New(t.TempDir())
	require.NoError(t, control.EnsureExist())

	writeDataFile(t, control.Matching(), "20220118_041500000_payments.csv",
		[]string{"OpenRecStatus", "OpenRecId", "Ref", "Amount", "FXRate"},
		[]string{"IN", "ID", "ST", "DE", "DE"},
		[]string{"0", "e0a1c5d8-0001-4a21-b256-4c5026697dfb", "INV0001", "1000.00", "0.75"},
		[]string{"0", "e0a1c5d8-0002-4a21-b256-4c5026697dfb", "INV0002", "500.00", ""},
	)

	g, err := grid.Load(control, cfg, dialect.DefaultOptions())
	require.NoError(t, err)
	return g, control
}

func paymentsCharter(instructions ...charter.Instruction) *charter.Charter {
	return &charter.Charter{
		Name:    "test",
		Version: 1,
		Matching: charter.Matching{
			SourceFiles:    []charter.SourceFile{{Pattern: "payments", FieldPrefix: "PAY"}},
			Instructions:   instructions,
			GroupSizeLimit: 1000,
		},
	}
}

func TestDerive_Projection(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Project: &charter.Project{
			Column: "AMOUNT_BASE",
			AsType: datatype.Decimal,
			From:   `record["PAY.Amount"] * record["PAY.FXRate"]`,
			When:   `record["PAY.FXRate"] ~= nil`,
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	require.NoError(t, DeriveSchema(g, cfg.Matching.Instructions))
	assert.Equal(t, datatype.Decimal, g.Schema().Type("AMOUNT_BASE"))

	host, err := script.New("", nil)
	require.NoError(t, err)
	defer host.Close()

	require.NoError(t, DeriveData(context.Background(), g, host, cfg))

	a := grid.NewAccessor(g)
	defer a.Close()

	v, err := a.Get("AMOUNT_BASE", g.Records()[0])
	require.NoError(t, err)
	assert.Equal(t, "750", v.Format())

	// The when guard rejected the second record: blank cell.
	v, err = a.Get("AMOUNT_BASE", g.Records()[1])
	require.NoError(t, err)
	assert.Nil(t, v)

	// Derived side-car exists, row-aligned with its base.
	derived := g.Schema().Files()[0].DerivedPath()
	_, err = os.Stat(derived)
	require.NoError(t, err)
	assert.Positive(t, g.Records()[0].DerivedOff)
}

func TestDerive_ProjectionReferencingEarlierProjection(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Project: &charter.Project{
			Column: "DOUBLE",
			AsType: datatype.Decimal,
			From:   `record["PAY.Amount"] * decimal(2)`,
		}},
		charter.Instruction{Project: &charter.Project{
			Column: "QUAD",
			AsType: datatype.Decimal,
			From:   `record["DOUBLE"] * decimal(2)`,
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	require.NoError(t, DeriveSchema(g, cfg.Matching.Instructions))

	host, err := script.New("", nil)
	require.NoError(t, err)
	defer host.Close()
	require.NoError(t, DeriveData(context.Background(), g, host, cfg))

	a := grid.NewAccessor(g)
	defer a.Close()
	v, err := a.Get("QUAD", g.Records()[0])
	require.NoError(t, err)
	assert.Equal(t, "4000", v.Format())
}

func TestDerive_Merge(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Project: &charter.Project{
			Column: "FALLBACK",
			AsType: datatype.Decimal,
			From:   `decimal("9.99")`,
			When:   `record["PAY.FXRate"] == nil`,
		}},
		charter.Instruction{Merge: &charter.Merge{
			Into:    "RATE",
			Columns: []string{"PAY.FXRate", "FALLBACK"},
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	require.NoError(t, DeriveSchema(g, cfg.Matching.Instructions))

	host, err := script.New("", nil)
	require.NoError(t, err)
	defer host.Close()
	require.NoError(t, DeriveData(context.Background(), g, host, cfg))

	a := grid.NewAccessor(g)
	defer a.Close()

	v, err := a.Get("RATE", g.Records()[0])
	require.NoError(t, err)
	assert.Equal(t, "0.75", v.Format())

	v, err = a.Get("RATE", g.Records()[1])
	require.NoError(t, err)
	assert.Equal(t, "9.99", v.Format())
}

func TestDeriveSchema_MergeTypeMismatch(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Merge: &charter.Merge{
			Into:    "ODD",
			Columns: []string{"PAY.Ref", "PAY.Amount"},
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	err := DeriveSchema(g, cfg.Matching.Instructions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other columns are")
}

func TestDeriveSchema_MergeMissingColumn(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Merge: &charter.Merge{
			Into:    "ODD",
			Columns: []string{"PAY.Nope"},
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	assert.Error(t, DeriveSchema(g, cfg.Matching.Instructions))
}

func TestDerive_TypeMismatchFailsRow(t *testing.T) {
	cfg := paymentsCharter(
		charter.Instruction{Project: &charter.Project{
			Column: "BAD",
			AsType: datatype.Integer,
			From:   `"not a number"`,
		}},
	)

	g, _ := fixtureGrid(t, cfg)
	require.NoError(t, DeriveSchema(g, cfg.Matching.Instructions))

	host, err := script.New("", nil)
	require.NoError(t, err)
	defer host.Close()

	err = DeriveData(context.Background(), g, host, cfg)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, 0, evalErr.Row)
	assert.Equal(t, "BAD", evalErr.Column)
}
