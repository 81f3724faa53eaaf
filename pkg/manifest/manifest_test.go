package manifest

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwc10/harmony-dl/pkg/raster"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTemp(t)

	id, err := s.BeginRun(RunRecord{Plate: "Plate 1", Action: "Max Projection", Units: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.False(t, run.StartedAt.IsZero())

	require.NoError(t, s.RecordFile(id, FileRecord{Name: "b.tiff", Stack: "R1C1T1F2", Planes: 3, Stats: &raster.Stats{Max: 200}}))
	require.NoError(t, s.RecordFile(id, FileRecord{Name: "a.tiff", Stack: "R1C1T1F1", Planes: 3}))
	require.NoError(t, s.FinishRun(id, nil))

	run, err = s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Files)
	assert.Empty(t, run.Error)

	files, err := s.Files(id)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.tiff", files[0].Name)
	assert.Equal(t, uint16(200), files[1].Stats.Max)
}

func TestFailedRunKeepsError(t *testing.T) {
	s := openTemp(t)

	id, err := s.BeginRun(RunRecord{Plate: "Plate 1"})
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(id, errors.New("downloading image <x>: unexpected status 404")))

	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "404")
}

func TestRunsOrderedAndFilesScoped(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	second, err := s.BeginRun(RunRecord{Plate: "second", StartedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	first, err := s.BeginRun(RunRecord{Plate: "first", StartedAt: base})
	require.NoError(t, err)

	require.NoError(t, s.RecordFile(first, FileRecord{Name: "one.tiff"}))
	require.NoError(t, s.RecordFile(second, FileRecord{Name: "two.tiff"}))

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first", runs[0].Plate)
	assert.Equal(t, "second", runs[1].Plate)

	files, err := s.Files(first)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "one.tiff", files[0].Name)
}

func TestUnknownRun(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.RecordFile("nope", FileRecord{Name: "x"}))
	assert.Error(t, s.FinishRun("nope", nil))
	_, err := s.Run("nope")
	assert.ErrorContains(t, err, "run not found")
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.BeginRun(RunRecord{Plate: "kept"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, "kept", run.Plate)
}
