// Package folders owns the on-disk layout of a control and the lifecycle
// moves between its stages.
//
// Files are processed alphabetically - hence the human-readable timestamp
// prefix - to ensure consistent ordering:
//
//	waiting/    prepared files queueing for the next job
//	matching/   files owned by the in-flight job (plus transient indexes)
//	unmatched/  surviving records rewritten at job end
//	matched/    the per-job matched-group report
//	inbox/      changesets dropped by upstream components
//	archive/    celerity/ for engine inputs, jetwash/ for upstream artifacts
//	lookups/    read-only reference CSVs for the lookup() helper
package folders

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// InProgressSuffix marks in-flight artifacts that roll back on restart.
	InProgressSuffix = ".inprogress"

	// UnmatchedSuffix marks rewrites of surviving records.
	UnmatchedSuffix = ".unmatched.csv"

	// DerivedSuffix marks the side-car files of projected/merged columns.
	DerivedSuffix = ".derived.csv"

	// ChangesetSuffix marks changeset instruction files.
	ChangesetSuffix = "_changeset.json"
)

// Filenames must carry a UTC millisecond timestamp prefix, e.g.
// 20211126_072400000_invoices.csv.
var (
	dataFileRegex  = regexp.MustCompile(`^(\d{8}_\d{9})_(.*)\.csv$`)
	timestampRegex = regexp.MustCompile(`^(\d{8}_\d{9})_`)
)

// Control is the folder tree for one reconciliation domain.
type Control struct {
	base string
}

// New returns a Control rooted at the given base directory.
func New(base string) *Control {
	return &Control{base: base}
}

func (c *Control) Base() string      { return c.base }
func (c *Control) Inbox() string     { return filepath.Join(c.base, "inbox") }
func (c *Control) Waiting() string   { return filepath.Join(c.base, "waiting") }
func (c *Control) Matching() string  { return filepath.Join(c.base, "matching") }
func (c *Control) Matched() string   { return filepath.Join(c.base, "matched") }
func (c *Control) Unmatched() string { return filepath.Join(c.base, "unmatched") }
func (c *Control) Lookups() string   { return filepath.Join(c.base, "lookups") }
func (c *Control) Logs() string      { return filepath.Join(c.base, "logs") }
func (c *Control) Outbox() string    { return filepath.Join(c.base, "outbox") }

// ArchiveCelerity holds archived engine inputs.
func (c *Control) ArchiveCelerity() string {
	return filepath.Join(c.base, "archive", "celerity")
}

// ArchiveJetwash holds upstream artifacts; the engine only ensures it exists.
func (c *Control) ArchiveJetwash() string {
	return filepath.Join(c.base, "archive", "jetwash")
}

// EnsureExist creates the full folder tree for the control.
func (c *Control) EnsureExist() error {
	dirs := []string{
		c.Inbox(), c.Waiting(), c.Matching(), c.Matched(), c.Unmatched(),
		c.Lookups(), c.Logs(), c.Outbox(), c.ArchiveCelerity(), c.ArchiveJetwash(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	return nil
}

// RollbackInProgress deletes stray .inprogress artifacts from a previous,
// interrupted job. The rename commit protocol makes this safe: anything
// still suffixed never became visible.
func (c *Control) RollbackInProgress() error {
	for _, dir := range []string{c.Matched(), c.Unmatched(), c.Matching()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), InProgressSuffix) {
				path := filepath.Join(dir, entry.Name())
				slog.Warn("rolling back in-flight artifact", "path", path)
				if err := os.Remove(path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ProgressToMatching moves waiting and unmatched files that match the
// pattern into the matching folder.
func (c *Control) ProgressToMatching(pattern *regexp.Regexp) error {
	for _, dir := range []string{c.Waiting(), c.Unmatched()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !IsDataFile(entry.Name()) || !pattern.MatchString(entry.Name()) {
				continue
			}
			src := filepath.Join(dir, entry.Name())
			dst := filepath.Join(c.Matching(), entry.Name())
			slog.Info("moving file to matching", "file", entry.Name(), "from", dir)
			if err := os.Rename(src, dst); err != nil {
				return err
			}

			// The unmatched-derived side-car is informational; the job
			// derives fresh columns, so drop the stale copy with its base.
			if dir == c.Unmatched() && strings.HasSuffix(entry.Name(), UnmatchedSuffix) {
				sidecar := strings.TrimSuffix(entry.Name(), ".csv") + DerivedSuffix
				if err := os.Remove(filepath.Join(dir, sidecar)); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
		}
	}
	return nil
}

// ChangesetsToMatching claims every changeset waiting in the inbox,
// returning the claimed paths in filename-timestamp order.
func (c *Control) ChangesetsToMatching() ([]string, error) {
	entries, err := os.ReadDir(c.Inbox())
	if err != nil {
		return nil, err
	}

	var moved []string
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ChangesetSuffix) {
			continue
		}
		dst := filepath.Join(c.Matching(), entry.Name())
		if err := os.Rename(filepath.Join(c.Inbox(), entry.Name()), dst); err != nil {
			return nil, err
		}
		moved = append(moved, dst)
	}
	sort.Strings(moved)
	return moved, nil
}

// FilesInMatching returns data files in matching/ whose names match the
// pattern, sorted by filename and therefore chronologically.
func (c *Control) FilesInMatching(pattern *regexp.Regexp) ([]string, error) {
	entries, err := os.ReadDir(c.Matching())
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if IsDataFile(entry.Name()) && pattern.MatchString(entry.Name()) {
			files = append(files, filepath.Join(c.Matching(), entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ArchiveFile moves a file from matching/ into archive/celerity/. If the
// name is already taken an incrementing suffix is added so the original
// archive copy is never overwritten.
func (c *Control) ArchiveFile(path string) error {
	name := filepath.Base(path)
	dst := filepath.Join(c.ArchiveCelerity(), name)

	for n := 1; ; n++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(c.ArchiveCelerity(), fmt.Sprintf("%s.%d", name, n))
	}

	slog.Info("archiving file", "file", name)
	return os.Rename(path, dst)
}

// IsDataFile reports whether the name carries the timestamp prefix and a
// .csv extension.
func IsDataFile(name string) bool {
	return dataFileRegex.MatchString(name)
}

// Timestamp returns the filename's timestamp prefix, e.g. 20211126_072400000.
func Timestamp(name string) (string, error) {
	m := timestampRegex.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("filename %q has no timestamp prefix", name)
	}
	return m[1], nil
}

// UnixMillis parses the filename timestamp prefix into Unix milliseconds.
func UnixMillis(prefix string) (int64, error) {
	if len(prefix) != 18 {
		return 0, fmt.Errorf("bad timestamp prefix %q", prefix)
	}
	t, err := time.ParseInLocation("20060102_150405", prefix[:15], time.UTC)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp prefix %q: %w", prefix, err)
	}
	millis, err := strconv.Atoi(prefix[15:])
	if err != nil {
		return 0, fmt.Errorf("bad timestamp prefix %q: %w", prefix, err)
	}
	return t.UnixMilli() + int64(millis), nil
}

// NewTimestamp renders a time in the filename prefix format.
func NewTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d", t.Format("20060102_150405"), t.Nanosecond()/1e6)
}

// Shortname strips the timestamp prefix and .csv extension:
// 20211126_072400000_invoices.unmatched.csv -> invoices.unmatched.
func Shortname(name string) string {
	m := dataFileRegex.FindStringSubmatch(name)
	if m == nil {
		return name
	}
	return m[2]
}

// OriginalShortname additionally strips an .unmatched marker so rewrites of
// rewrites never accumulate suffixes.
func OriginalShortname(name string) string {
	return strings.TrimSuffix(Shortname(name), ".unmatched")
}
