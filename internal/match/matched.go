package match

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/GrandmasterTash/openrec/internal/changeset"
	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/folders"
)

// Report is the matched-group report written at the end of a successful
// job. It is the only place matched records are referenced after release.
type Report struct {
	JobId             string          `json:"job_id"`
	Charter           ReportCharter   `json:"charter"`
	StartedAt         string          `json:"started_at"`
	FinishedAt        string          `json:"finished_at"`
	Groups            []ReportGroup   `json:"groups"`
	ChangesetReleases []ReportRelease `json:"changeset_releases"`
	Unmatched         []ReportFile    `json:"unmatched"`
}

type ReportCharter struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

type ReportGroup struct {
	Constraints []string       `json:"constraints"`
	Records     []ReportRecord `json:"records"`
}

type ReportRecord struct {
	File      string `json:"file"`
	Row       int    `json:"row"`
	OpenRecId string `json:"OpenRecId"`
}

type ReportRelease struct {
	ChangesetId string         `json:"changeset_id"`
	File        string         `json:"file"`
	Updated     int            `json:"updated"`
	Ignored     int            `json:"ignored"`
	Records     []ReportRecord `json:"records,omitempty"`
}

type ReportFile struct {
	File string `json:"file"`
	Rows int    `json:"rows"`
}

// Reporter accumulates matched groups across every group stage of a job and
// commits the report file once, at finalisation.
type Reporter struct {
	report Report
}

// NewReporter starts the report for a job.
func NewReporter(jobId uuid.UUID, cfg *charter.Charter, startedAt time.Time) *Reporter {
	return &Reporter{report: Report{
		JobId:             jobId.String(),
		Charter:           ReportCharter{Name: cfg.Name, Version: cfg.Version},
		StartedAt:         startedAt.UTC().Format(time.RFC3339Nano),
		Groups:            []ReportGroup{},
		ChangesetReleases: []ReportRelease{},
		Unmatched:         []ReportFile{},
	}}
}

// AppendGroup records one matched group.
func (r *Reporter) AppendGroup(constraints []string, records []ReportRecord) {
	r.report.Groups = append(r.report.Groups, ReportGroup{Constraints: constraints, Records: records})
}

// Groups reports how many groups have matched so far.
func (r *Reporter) Groups() int {
	return len(r.report.Groups)
}

// AddReleases folds the changeset replay result into the report.
func (r *Reporter) AddReleases(result *changeset.Result) {
	for _, cs := range result.Changesets {
		release := ReportRelease{
			ChangesetId: cs.Id.String(),
			File:        cs.Filename,
			Updated:     cs.Updated,
			Ignored:     cs.Ignored,
		}
		for _, rel := range result.Releases {
			if rel.ChangesetId == cs.Id {
				release.Records = append(release.Records, ReportRecord{
					File:      rel.File,
					Row:       rel.Row,
					OpenRecId: rel.OpenRecId,
				})
			}
		}
		r.report.ChangesetReleases = append(r.report.ChangesetReleases, release)
	}
}

// AddUnmatchedFile records the row count of one surviving unmatched file.
func (r *Reporter) AddUnmatchedFile(file string, rows int) {
	r.report.Unmatched = append(r.report.Unmatched, ReportFile{File: file, Rows: rows})
}

// Commit writes the report through an .inprogress artifact and renames it
// into place. No partial report ever appears without the suffix.
func (r *Reporter) Commit(control *folders.Control, timestamp string, finishedAt time.Time) (string, error) {
	r.report.FinishedAt = finishedAt.UTC().Format(time.RFC3339Nano)

	path := filepath.Join(control.Matched(), timestamp+"_matched.json")

	f, err := os.Create(path + folders.InProgressSuffix)
	if err != nil {
		return "", err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.report); err != nil {
		f.Close()
		return "", fmt.Errorf("cannot write matched report: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(path+folders.InProgressSuffix, path); err != nil {
		return "", err
	}
	return path, nil
}

// DescribeConstraints renders the short labels recorded per matched group.
func DescribeConstraints(constraints []charter.Constraint) []string {
	labels := make([]string, len(constraints))
	for i, con := range constraints {
		switch {
		case con.NetsToZero != nil:
			labels[i] = fmt.Sprintf("nets_to_zero(%s)", con.NetsToZero.Column)
		case con.NetsWithTolerance != nil:
			labels[i] = fmt.Sprintf("nets_with_tolerance(%s, %s %s)",
				con.NetsWithTolerance.Column, con.NetsWithTolerance.TolType, con.NetsWithTolerance.Tolerance)
		case con.Custom != nil:
			labels[i] = "custom"
		}
	}
	return labels
}
