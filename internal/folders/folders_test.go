package folders

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControl(t *testing.T) *Control {
	t.Helper()
	c := New(t.TempDir())
	require.NoError(t, c.EnsureExist())
	return c
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("\"A\"\n\"ST\"\n"), 0o644))
}

func TestEnsureExist(t *testing.T) {
	c := newControl(t)
	for _, dir := range []string{c.Inbox(), c.Waiting(), c.Matching(), c.Matched(),
		c.Unmatched(), c.Lookups(), c.ArchiveCelerity(), c.ArchiveJetwash()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestProgressToMatching(t *testing.T) {
	c := newControl(t)
	touch(t, filepath.Join(c.Waiting(), "20220118_041500000_invoices.csv"))
	touch(t, filepath.Join(c.Waiting(), "20220118_041500000_payments.csv"))
	touch(t, filepath.Join(c.Unmatched(), "20220117_041500000_invoices.unmatched.csv"))
	touch(t, filepath.Join(c.Waiting(), "notes.txt"))

	require.NoError(t, c.ProgressToMatching(regexp.MustCompile("invoices")))

	files, err := c.FilesInMatching(regexp.MustCompile("invoices"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	// Sorted by filename: the older unmatched rewrite comes first.
	assert.Contains(t, files[0], "20220117_041500000_invoices.unmatched.csv")
	assert.Contains(t, files[1], "20220118_041500000_invoices.csv")

	// Non-matching files stay put.
	_, err = os.Stat(filepath.Join(c.Waiting(), "20220118_041500000_payments.csv"))
	assert.NoError(t, err)
}

func TestRollbackInProgress(t *testing.T) {
	c := newControl(t)
	stray := filepath.Join(c.Unmatched(), "20220118_041500000_x.unmatched.csv.inprogress")
	kept := filepath.Join(c.Unmatched(), "20220117_041500000_x.unmatched.csv")
	touch(t, stray)
	touch(t, kept)

	require.NoError(t, c.RollbackInProgress())

	_, err := os.Stat(stray)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(kept)
	assert.NoError(t, err)
}

func TestChangesetsToMatching_SortedByTimestamp(t *testing.T) {
	c := newControl(t)
	touch(t, filepath.Join(c.Inbox(), "20220119_000000000_changeset.json"))
	touch(t, filepath.Join(c.Inbox(), "20220118_041500000_changeset.json"))

	moved, err := c.ChangesetsToMatching()
	require.NoError(t, err)
	require.Len(t, moved, 2)
	assert.Contains(t, moved[0], "20220118_041500000_changeset.json")
	assert.Contains(t, moved[1], "20220119_000000000_changeset.json")
}

func TestArchiveFile_AvoidsCollisions(t *testing.T) {
	c := newControl(t)
	name := "20220118_041500000_invoices.csv"

	touch(t, filepath.Join(c.Matching(), name))
	require.NoError(t, c.ArchiveFile(filepath.Join(c.Matching(), name)))

	touch(t, filepath.Join(c.Matching(), name))
	require.NoError(t, c.ArchiveFile(filepath.Join(c.Matching(), name)))

	_, err := os.Stat(filepath.Join(c.ArchiveCelerity(), name))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(c.ArchiveCelerity(), name+".1"))
	assert.NoError(t, err)
}

func TestTimestampHelpers(t *testing.T) {
	ts, err := Timestamp("20220118_041500123_invoices.csv")
	require.NoError(t, err)
	assert.Equal(t, "20220118_041500123", ts)

	ms, err := UnixMillis(ts)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 1, 18, 4, 15, 0, 123e6, time.UTC).UnixMilli(), ms)

	assert.Equal(t, "20220118_041500123", NewTimestamp(time.UnixMilli(ms)))

	_, err = Timestamp("invoices.csv")
	assert.Error(t, err)
}

func TestShortname(t *testing.T) {
	assert.Equal(t, "invoices", Shortname("20220118_041500000_invoices.csv"))
	assert.Equal(t, "invoices.unmatched", Shortname("20220118_041500000_invoices.unmatched.csv"))
	assert.Equal(t, "invoices", OriginalShortname("20220118_041500000_invoices.unmatched.csv"))
}
