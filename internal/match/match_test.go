package match

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
	"github.com/GrandmasterTash/openrec/internal/sorter"
)

const (
	invoicesFile = "20220118_041500000_invoices.csv"
	paymentsFile = "20220118_041500001_payments.csv"
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

// fixture sources invoices and payments sharing unprefixed Ref and Amount
// columns. INV0001 nets to zero against two payments, INV0002 against one.
func fixture(t *testing.T, paymentRows ...[]string) (*folders.Control, *grid.Grid, *script.Host) {
	t.Helper()
	control := folders.New(t.TempDir())
	require.NoError(t, control.EnsureExist())

	if paymentRows == nil {
		paymentRows = [][]string{
			{"0", "22222222-0000-0000-0000-000000000001", "INV0001", "50.99"},
			{"0", "22222222-0000-0000-0000-000000000002", "INV0002", "500.00"},
			{"0", "22222222-0000-0000-0000-000000000003", "INV0001", "1000.00"},
		}
	}

	writeDataFile(t, control.Matching(), invoicesFile,
		append([][]string{
			{"OpenRecStatus", "OpenRecId", "Ref", "Amount"},
			{"IN", "ID", "ST", "DE"},
			{"0", "11111111-0000-0000-0000-000000000001", "INV0001", "1050.99"},
			{"0", "11111111-0000-0000-0000-000000000002", "INV0002", "500.00"},
		})...)
	writeDataFile(t, control.Matching(), paymentsFile,
		append([][]string{
			{"OpenRecStatus", "OpenRecId", "Ref", "Amount"},
			{"IN", "ID", "ST", "DE"},
		}, paymentRows...)...)

	useFieldPrefixes := false
	cfg := &charter.Charter{
		Name:    "test",
		Version: 1,
		Matching: charter.Matching{
			SourceFiles: []charter.SourceFile{
				{Pattern: "invoices"},
				{Pattern: "payments"},
			},
			UseFieldPrefixes: &useFieldPrefixes,
			GroupSizeLimit:   1000,
		},
	}

	g, err := grid.Load(control, cfg, dialect.DefaultOptions())
	require.NoError(t, err)

	host, err := script.New("", nil)
	require.NoError(t, err)
	t.Cleanup(host.Close)

	return control, g, host
}

func netsToZeroGroup() *charter.Group {
	return &charter.Group{
		By: []string{"Ref"},
		MatchWhen: []charter.Constraint{{
			NetsToZero: &charter.NetsToZero{
				Column: "Amount",
				Lhs:    `record["META.filename"] == "` + invoicesFile + `"`,
				Rhs:    `record["META.filename"] == "` + paymentsFile + `"`,
			},
		}},
	}
}

func runStage(t *testing.T, control *folders.Control, g *grid.Grid, host *script.Host, inst *charter.Group, groupLimit int) (*Reporter, error) {
	t.Helper()
	reporter := NewReporter(uuid.MustParse("99999999-0000-0000-0000-000000000001"),
		&charter.Charter{Name: "test", Version: 1}, time.Unix(0, 0))
	grouper := sorter.New(control.Matching(), 1<<20, groupLimit)
	err := Stage(context.Background(), g, host, grouper, inst, reporter)
	return reporter, err
}

func TestStage_BothGroupsNetToZero(t *testing.T) {
	control, g, host := fixture(t)

	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)

	assert.Equal(t, 2, reporter.Groups())
	for _, rec := range g.Records() {
		assert.Equal(t, uint8(grid.StatusMatched), rec.Status)
	}

	// Groups appear in ascending key order, records file-then-row ordered.
	report := reporter.report
	require.Len(t, report.Groups[0].Records, 3)
	assert.Equal(t, invoicesFile, report.Groups[0].Records[0].File)
	assert.Equal(t, paymentsFile, report.Groups[0].Records[1].File)
	assert.Equal(t, 0, report.Groups[0].Records[1].Row)
	assert.Equal(t, 2, report.Groups[0].Records[2].Row)
	require.Len(t, report.Groups[1].Records, 2)
}

func TestStage_PartialMatchLeavesSurvivors(t *testing.T) {
	control, g, host := fixture(t,
		[]string{"0", "22222222-0000-0000-0000-000000000001", "INV0001", "1050.99"},
	)

	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, reporter.Groups())

	var live []*grid.Record
	for _, rec := range g.Records() {
		if rec.Status == grid.StatusUnmatched {
			live = append(live, rec)
		}
	}
	require.Len(t, live, 1, "INV0002 has no payment and survives")
	a := grid.NewAccessor(g)
	defer a.Close()
	id, err := a.Id(live[0])
	require.NoError(t, err)
	assert.Equal(t, "11111111-0000-0000-0000-000000000002", id)
}

func TestStage_SingleSidedGroupDoesNotMatch(t *testing.T) {
	control, g, host := fixture(t,
		[]string{"0", "22222222-0000-0000-0000-000000000001", "INV0999", "0.00"},
	)

	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, reporter.Groups(), "lhs-only and rhs-only groups never match")
}

func TestStage_GroupSizeLimit(t *testing.T) {
	control, g, host := fixture(t)

	_, err := runStage(t, control, g, host, netsToZeroGroup(), 2)
	var tooLarge *sorter.GroupTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 3, tooLarge.Size)
}

func TestStage_UnknownGroupingColumn(t *testing.T) {
	control, g, host := fixture(t)

	_, err := runStage(t, control, g, host, &charter.Group{By: []string{"Nope"}}, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")
}

func TestStage_MultiStage(t *testing.T) {
	// Stage 1 matches INV0001 only; stage 2 groups the rest by Amount and
	// releases INV0002 against its payment.
	control, g, host := fixture(t,
		[]string{"0", "22222222-0000-0000-0000-000000000001", "INV0001", "1050.99"},
		[]string{"0", "22222222-0000-0000-0000-000000000002", "PAY-REF", "500.00"},
	)

	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, reporter.Groups())

	stage2 := &charter.Group{
		By: []string{"Amount"},
		MatchWhen: []charter.Constraint{{
			NetsToZero: &charter.NetsToZero{
				Column: "Amount",
				Lhs:    `record["META.filename"] == "` + invoicesFile + `"`,
				Rhs:    `record["META.filename"] == "` + paymentsFile + `"`,
			},
		}},
	}
	reporter2, err := runStage(t, control, g, host, stage2, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, reporter2.Groups())

	for _, rec := range g.Records() {
		assert.Equal(t, uint8(grid.StatusMatched), rec.Status, "all records released across the two stages")
	}
}

func TestStage_CustomConstraint(t *testing.T) {
	control, g, host := fixture(t)

	inst := &charter.Group{
		By: []string{"Ref"},
		MatchWhen: []charter.Constraint{{
			Custom: &charter.Custom{
				Script: `count(function(r) return true end) >= 2 and
					sum("Amount", function(r) return r["META.filename"] == "` + invoicesFile + `" end) ==
					sum("Amount", function(r) return r["META.filename"] == "` + paymentsFile + `" end)`,
			},
		}},
	}

	reporter, err := runStage(t, control, g, host, inst, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, reporter.Groups())
}

func TestStage_ToleranceAmount(t *testing.T) {
	control, g, host := fixture(t,
		[]string{"0", "22222222-0000-0000-0000-000000000001", "INV0001", "1050.00"},
		[]string{"0", "22222222-0000-0000-0000-000000000002", "INV0002", "500.00"},
	)

	inst := &charter.Group{
		By: []string{"Ref"},
		MatchWhen: []charter.Constraint{{
			NetsWithTolerance: &charter.NetsWithTolerance{
				Column:    "Amount",
				Lhs:       `record["META.filename"] == "` + invoicesFile + `"`,
				Rhs:       `record["META.filename"] == "` + paymentsFile + `"`,
				TolType:   charter.ToleranceAmount,
				Tolerance: "1.00",
			},
		}},
	}

	reporter, err := runStage(t, control, g, host, inst, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, reporter.Groups(), "0.99 difference is inside the 1.00 tolerance")
}

func TestWriteUnmatched(t *testing.T) {
	control, g, host := fixture(t,
		[]string{"0", "22222222-0000-0000-0000-000000000001", "INV0001", "1050.99"},
	)

	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)

	require.NoError(t, WriteUnmatched(control, g, reporter))

	name := "20220118_041500000_invoices.unmatched.csv"
	r, err := dialect.Open(filepath.Join(control.Unmatched(), name), dialect.DefaultOptions())
	require.NoError(t, err)
	defer r.Close()

	row, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "INV0002", row[2])
	assert.Equal(t, "11111111-0000-0000-0000-000000000002", row[1])

	// The fully-matched payments file produces no unmatched rewrite.
	entries := reporter.report.Unmatched
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].File)
	assert.Equal(t, 1, entries[0].Rows)
}

func TestReporter_Commit(t *testing.T) {
	control, g, host := fixture(t)
	reporter, err := runStage(t, control, g, host, netsToZeroGroup(), 1000)
	require.NoError(t, err)

	path, err := reporter.Commit(control, "20220118_050000000", time.Unix(1642482000, 0))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(control.Matched(), "20220118_050000000_matched.json"), path)
}
