package match

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/datatype"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/script"
	"github.com/GrandmasterTash/openrec/internal/sorter"
)

// Stage runs one group instruction: extract keys for every live record,
// external-sort them, iterate candidate groups in key order and evaluate the
// constraints. Matched groups release their records and are appended to the
// report; everything else stays live for later stages.
func Stage(
	ctx context.Context,
	g *grid.Grid,
	host *script.Host,
	grouper *sorter.Grouper,
	inst *charter.Group,
	reporter *Reporter,
) error {
	if g.IsEmpty() {
		return nil
	}

	// The by-columns must exist and carry a known type before any keys are
	// encoded.
	for _, header := range inst.By {
		col, ok := g.Schema().Column(header)
		if !ok {
			return fmt.Errorf("grouping column %q does not exist", header)
		}
		if col.Type == datatype.Unknown {
			return &grid.UnknownTypeError{Column: header}
		}
	}

	accessor := grid.NewAccessor(g)
	defer accessor.Close()

	labels := DescribeConstraints(inst.MatchWhen)
	groupCount, matchCount := 0, 0

	source := func(add func(sorter.Entry) error) error {
		key := make([]byte, 0, 64)
		for _, rec := range g.Live() {
			key = key[:0]
			for _, header := range inst.By {
				v, err := accessor.Get(header, rec)
				if err != nil {
					return err
				}
				key = datatype.AppendKey(key, v)
			}
			entry := sorter.Entry{
				Key:        append([]byte(nil), key...),
				FileIdx:    rec.FileIdx,
				Row:        rec.Row,
				DataOff:    rec.DataOff,
				DerivedOff: rec.DerivedOff,
			}
			if err := add(entry); err != nil {
				return err
			}
		}
		return nil
	}

	err := grouper.Run(ctx, source, func(entries []sorter.Entry) error {
		groupCount++

		group := make([]*grid.Record, len(entries))
		for i, entry := range entries {
			rec := g.Record(entry.FileIdx, entry.Row)
			if rec == nil {
				return fmt.Errorf("spill entry refers to unknown record %d/%d", entry.FileIdx, entry.Row)
			}
			group[i] = rec
		}

		pass, err := Passes(host, accessor, group, inst.MatchWhen)
		if err != nil {
			return err
		}
		if !pass {
			return nil
		}

		records := make([]ReportRecord, len(group))
		for i, rec := range group {
			id, err := accessor.Id(rec)
			if err != nil {
				return err
			}
			records[i] = ReportRecord{
				File:      accessor.File(rec).Filename,
				Row:       rec.Row,
				OpenRecId: id,
			}
			rec.Status = grid.StatusMatched
		}
		reporter.AppendGroup(labels, records)
		matchCount++
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("group stage complete", "by", inst.By, "groups", groupCount, "matched", matchCount)
	return nil
}
