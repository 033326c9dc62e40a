// Package match evaluates constraint rules over candidate groups, records
// matched groups into the job report and rewrites surviving records into new
// unmatched files.
package match

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
)

// ConstraintError reports a constraint that cannot be evaluated at all, as
// opposed to one that evaluates to false.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s: %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// Passes evaluates the constraints in listed order against one candidate
// group; all must return true. Evaluation short-circuits on the first false.
func Passes(host *script.Host, a *grid.Accessor, group []*grid.Record, constraints []charter.Constraint) (bool, error) {
	for _, con := range constraints {
		pass, err := passesOne(host, a, group, con)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

func passesOne(host *script.Host, a *grid.Accessor, group []*grid.Record, con charter.Constraint) (bool, error) {
	switch {
	case con.NetsToZero != nil:
		n := con.NetsToZero
		return nets(host, a, group, n.Column, n.Lhs, n.Rhs, func(diff, _ decimal.Decimal) bool {
			return diff.IsZero()
		})

	case con.NetsWithTolerance != nil:
		n := con.NetsWithTolerance
		tolerance, err := decimal.NewFromString(n.Tolerance)
		if err != nil {
			return false, &ConstraintError{Constraint: "nets_with_tolerance",
				Err: fmt.Errorf("bad tolerance %q: %w", n.Tolerance, err)}
		}

		switch n.TolType {
		case charter.ToleranceAmount:
			return nets(host, a, group, n.Column, n.Lhs, n.Rhs, func(diff, _ decimal.Decimal) bool {
				return diff.LessThanOrEqual(tolerance)
			})
		case charter.TolerancePercent:
			hundred := decimal.NewFromInt(100)
			return nets(host, a, group, n.Column, n.Lhs, n.Rhs, func(diff, rhsSum decimal.Decimal) bool {
				allowed := rhsSum.Abs().Mul(tolerance).Div(hundred)
				return diff.LessThanOrEqual(allowed)
			})
		default:
			return false, &ConstraintError{Constraint: "nets_with_tolerance",
				Err: fmt.Errorf("unknown tol_type %q", n.TolType)}
		}

	case con.Custom != nil:
		return custom(host, a, group, con.Custom)
	}

	return false, &ConstraintError{Constraint: "?", Err: fmt.Errorf("empty constraint")}
}

// nets sums the column over the lhs- and rhs-filtered subsets and applies
// the check to the magnitude difference. Both sides must be populated.
func nets(
	host *script.Host,
	a *grid.Accessor,
	group []*grid.Record,
	column, lhs, rhs string,
	check func(diff, rhsSum decimal.Decimal) bool,
) (bool, error) {
	if a.Schema().Type(column) != datatype.Decimal {
		return false, &ConstraintError{Constraint: "nets",
			Err: fmt.Errorf("column %q is not a Decimal", column)}
	}

	lhsRecs, err := host.FilterRecords(a, group, lhs)
	if err != nil {
		return false, &ConstraintError{Constraint: "nets", Err: err}
	}
	rhsRecs, err := host.FilterRecords(a, group, rhs)
	if err != nil {
		return false, &ConstraintError{Constraint: "nets", Err: err}
	}
	if len(lhsRecs) == 0 || len(rhsRecs) == 0 {
		return false, nil
	}

	lhsSum, err := sumColumn(a, lhsRecs, column)
	if err != nil {
		return false, err
	}
	rhsSum, err := sumColumn(a, rhsRecs, column)
	if err != nil {
		return false, err
	}

	diff := lhsSum.Abs().Sub(rhsSum.Abs()).Abs()
	return check(diff, rhsSum), nil
}

func sumColumn(a *grid.Accessor, records []*grid.Record, column string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	for _, rec := range records {
		v, err := a.Get(column, rec)
		if err != nil {
			return decimal.Decimal{}, &ConstraintError{Constraint: "nets", Err: err}
		}
		if v == nil {
			continue
		}
		dec, ok := v.(datatype.DecimalValue)
		if !ok {
			return decimal.Decimal{}, &ConstraintError{Constraint: "nets",
				Err: fmt.Errorf("column %q produced a %s value", column, v.Type())}
		}
		sum = sum.Add(dec.Dec)
	}
	return sum, nil
}

// custom runs a user script against the group, with the records bound as an
// ordered table and the aggregate helpers in scope.
func custom(host *script.Host, a *grid.Accessor, group []*grid.Record, c *charter.Custom) (bool, error) {
	cols := availableColumns(a.Schema(), c.AvailableFields)

	tables, err := script.GroupTables(host, a, group, cols)
	if err != nil {
		return false, &ConstraintError{Constraint: "custom", Err: err}
	}
	host.SetAggregates(tables)

	pass, err := host.EvalBool(c.Script)
	if err != nil {
		return false, &ConstraintError{Constraint: "custom", Err: err}
	}
	return pass, nil
}

// availableColumns restricts materialised columns when the charter lists
// available_fields, otherwise the whole schema is in scope.
func availableColumns(schema *grid.Schema, fields []string) []grid.Column {
	if len(fields) == 0 {
		var cols []grid.Column
		for _, header := range schema.Headers() {
			if col, ok := schema.Column(header); ok {
				cols = append(cols, col)
			}
		}
		return cols
	}

	var cols []grid.Column
	for _, field := range fields {
		if col, ok := schema.Column(field); ok {
			cols = append(cols, col)
		}
	}
	return cols
}
