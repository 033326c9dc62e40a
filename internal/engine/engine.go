// Package engine is the per-control job controller: it walks the linear
// phase machine of a match job, moving files through the folder lifecycle
// and delegating to the grid, changeset, instruction, sorter and match
// packages. Any error suspends the job at its phase with matching/ left in
// place for operator intervention.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/GrandmasterTash/openrec/internal/changeset"
	"github.com/GrandmasterTash/openrec/internal/charter"
	"github.com/GrandmasterTash/openrec/internal/dialect"
	"github.com/GrandmasterTash/openrec/internal/folders"
	"github.com/GrandmasterTash/openrec/internal/grid"
	"github.com/GrandmasterTash/openrec/internal/instructions"
	"github.com/GrandmasterTash/openrec/internal/lookup"
	"github.com/GrandmasterTash/openrec/internal/match"
	"github.com/GrandmasterTash/openrec/internal/script"
	"github.com/GrandmasterTash/openrec/internal/sorter"
)

// Phase names the linear state transitions of a match job.
type Phase string

const (
	PhaseFolderInit      Phase = "FolderInitialisation"
	PhaseSourceData      Phase = "SourceData"
	PhaseApplyChangesets Phase = "ApplyChangeSets"
	PhaseDeriveSchema    Phase = "DeriveSchema"
	PhaseDeriveData      Phase = "DeriveData"
	PhaseMatchAndGroup   Phase = "MatchAndGroup"
	PhaseComplete        Phase = "CompleteAndArchive"
)

// Job runs one match job for one control. Process-wide concerns - the job id
// source and the clock - are injected by the controller, never created here.
type Job struct {
	Charter *charter.Charter
	Control *folders.Control
	JobId   uuid.UUID
	Now     func() time.Time
}

// Result summarises a completed job.
type Result struct {
	JobId      uuid.UUID
	ReportPath string
	Records    int
	Groups     int
	Elapsed    time.Duration
}

// Run executes the job to completion. Cancellation via ctx is honoured at
// phase and instruction boundaries and inside the grouper's spill loop.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	started := j.Now()
	timestamp := folders.NewTimestamp(started)

	slog.Info("starting match job",
		"job_id", j.JobId,
		"charter", j.Charter.Name,
		"version", j.Charter.Version,
		"base_dir", j.Control.Base())

	// FolderInitialisation: build the tree, roll back in-flight artifacts
	// from an interrupted job, claim changesets and promote waiting files.
	if err := j.Control.EnsureExist(); err != nil {
		return nil, classify(PhaseFolderInit, err)
	}
	if err := j.Control.RollbackInProgress(); err != nil {
		return nil, classify(PhaseFolderInit, err)
	}

	changesetPaths, err := j.Control.ChangesetsToMatching()
	if err != nil {
		return nil, classify(PhaseFolderInit, err)
	}

	for _, sf := range j.Charter.Matching.SourceFiles {
		pattern, err := regexp.Compile(sf.Pattern)
		if err != nil {
			return nil, &JobError{Code: ErrCodeConfig, Phase: PhaseFolderInit,
				Err: fmt.Errorf("invalid source_files pattern %q: %w", sf.Pattern, err)}
		}
		if err := j.Control.ProgressToMatching(pattern); err != nil {
			return nil, classify(PhaseFolderInit, err)
		}
	}

	lookups, err := lookup.Open(j.Control.Lookups())
	if err != nil {
		return nil, classify(PhaseFolderInit, err)
	}
	defer lookups.Close()

	host, err := script.New(j.Charter.GlobalLua, lookups)
	if err != nil {
		return nil, classify(PhaseFolderInit, err)
	}
	defer host.Close()

	// SourceData.
	g, err := grid.Load(j.Control, j.Charter, dialect.DefaultOptions())
	if err != nil {
		return nil, classify(PhaseSourceData, err)
	}
	if j.Charter.Debug {
		slog.Debug("grid schema", "headers", g.Schema().Headers())
	}

	reporter := match.NewReporter(j.JobId, j.Charter, started)

	// ApplyChangeSets: replay then re-source if anything changed.
	changesets, err := changeset.Load(changesetPaths)
	if err != nil {
		return nil, classify(PhaseApplyChangesets, err)
	}
	replay, err := changeset.Apply(ctx, j.Control, g, host, changesets)
	if err != nil {
		return nil, classify(PhaseApplyChangesets, err)
	}
	reporter.AddReleases(replay)
	if replay.AnyApplied {
		if g, err = grid.Load(j.Control, j.Charter, dialect.DefaultOptions()); err != nil {
			return nil, classify(PhaseApplyChangesets, err)
		}
	}
	records := g.Len()

	// DeriveSchema.
	if err := instructions.DeriveSchema(g, j.Charter.Matching.Instructions); err != nil {
		return nil, classify(PhaseDeriveSchema, err)
	}

	// DeriveData.
	if err := instructions.DeriveData(ctx, g, host, j.Charter); err != nil {
		return nil, classify(PhaseDeriveData, err)
	}

	// MatchAndGroup: each group instruction is one stage; records released
	// by stage N are invisible to stage N+1.
	grouper := sorter.New(j.Control.Matching(), j.Charter.MemoryLimit, j.Charter.Matching.GroupSizeLimit)
	for i, inst := range j.Charter.Matching.Instructions {
		if inst.Group == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, classify(PhaseMatchAndGroup, err)
		}
		if err := match.Stage(ctx, g, host, grouper, inst.Group, reporter); err != nil {
			return nil, classify(PhaseMatchAndGroup,
				fmt.Errorf("instruction %d (group by %v): %w", i, inst.Group.By, err))
		}
	}

	// CompleteAndArchive.
	reportPath, err := j.finalise(g, reporter, changesetPaths, timestamp)
	if err != nil {
		return nil, classify(PhaseComplete, err)
	}

	result := &Result{
		JobId:      j.JobId,
		ReportPath: reportPath,
		Records:    records,
		Groups:     reporter.Groups(),
		Elapsed:    j.Now().Sub(started),
	}
	slog.Info("completed match job",
		"job_id", j.JobId,
		"records", result.Records,
		"groups", result.Groups,
		"elapsed", result.Elapsed)
	return result, nil
}

// finalise writes the unmatched rewrites and the matched report, then
// archives the job's inputs. Each unmatched rewrite is committed by its own
// rename before the report is written; the report rename is the job's last
// commit. The rewrites and the report are not committed as one atomic step.
func (j *Job) finalise(g *grid.Grid, reporter *match.Reporter, changesetPaths []string, timestamp string) (string, error) {
	if err := match.WriteUnmatched(j.Control, g, reporter); err != nil {
		return "", err
	}

	reportPath, err := reporter.Commit(j.Control, timestamp, j.Now())
	if err != nil {
		return "", err
	}

	if err := changeset.ArchiveChangesets(j.Control, changesetPaths); err != nil {
		return "", err
	}

	for _, file := range g.Schema().Files() {
		derived := file.DerivedPath()
		if j.Charter.ArchiveFiles() {
			if err := j.Control.ArchiveFile(file.Path); err != nil {
				return "", err
			}
			if _, statErr := os.Stat(derived); statErr == nil {
				if err := j.Control.ArchiveFile(derived); err != nil {
					return "", err
				}
			}
		} else {
			// The charter keeps base files in place; derived side-cars are
			// transient either way.
			if _, statErr := os.Stat(derived); statErr == nil {
				if err := os.Remove(derived); err != nil {
					return "", err
				}
			}
		}
	}

	leftovers, err := os.ReadDir(j.Control.Matching())
	if err != nil {
		return "", err
	}
	for _, entry := range leftovers {
		if j.Charter.ArchiveFiles() {
			slog.Warn("file left in matching at end of job", "file", entry.Name())
		}
	}

	return reportPath, nil
}
