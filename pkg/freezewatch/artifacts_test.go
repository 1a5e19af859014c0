package freezewatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

func testStore(t *testing.T) *artifactStore {
	t.Helper()
	return newArtifactStore(t.TempDir(), "build42", log.NewNopLogger())
}

func testSnapshot(ts time.Time) *stack.Snapshot {
	return &stack.Snapshot{
		Time: ts,
		Raw:  []byte("goroutine 1 [running]:\nmain.main()\n\t/app/main.go:1 +0x1\n"),
		Goroutines: []stack.Goroutine{
			{ID: 1, State: "running", Frames: []stack.Frame{{Function: "main.main", File: "/app/main.go", Line: 1}}},
		},
	}
}

func TestWriteDump(t *testing.T) {
	s := testStore(t)
	ts := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	path := s.writeDump("threadDumps-freeze-x", testSnapshot(ts), false)
	require.NotEmpty(t, path)
	assert.Equal(t, "threadDump-20260830-103000.txt", filepath.Base(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "main.main")

	// Millisecond suffix distinguishes rapid on-demand dumps.
	path = s.writeDump("threadDumps-manual", testSnapshot(ts), true)
	require.NotEmpty(t, path)
	assert.Contains(t, filepath.Base(path), "-20260830-103000-")
}

func TestWriteDumpBadRoot(t *testing.T) {
	s := newArtifactStore(filepath.Join(t.TempDir(), "file-in-the-way"), "b", log.NewNopLogger())
	require.NoError(t, os.WriteFile(s.root, []byte("x"), 0o644))

	path := s.writeDump("threadDumps-x", testSnapshot(time.Now()), false)
	assert.Empty(t, path, "unwritable root degrades to no artifact")
}

func TestFinalizeFreeze(t *testing.T) {
	s := testStore(t)
	folder := s.freezeFolderName(time.Now())

	s.writeDump(folder, testSnapshot(time.Now()), false)
	s.writeMarker(folder, 3)
	require.FileExists(t, filepath.Join(s.root, folder, durationFileName))

	dir := s.finalizeFreeze(folder, "main.work", 5*time.Second)
	require.NotEmpty(t, dir)
	assert.True(t, strings.HasSuffix(dir, "-main.work-5sec"))
	assert.NoFileExists(t, filepath.Join(dir, durationFileName))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "dump file carried over by the rename")
}

func TestFinalizeFreezeNoLabel(t *testing.T) {
	s := testStore(t)
	folder := s.freezeFolderName(time.Now())
	s.writeDump(folder, testSnapshot(time.Now()), false)

	dir := s.finalizeFreeze(folder, "", 2*time.Second)
	assert.True(t, strings.HasSuffix(dir, "-2sec"))
}

func TestFinalizeFreezeWithoutFolder(t *testing.T) {
	s := testStore(t)
	// Nothing was ever persisted for this episode.
	dir := s.finalizeFreeze(s.freezeFolderName(time.Now()), "x", time.Second)
	assert.Empty(t, dir)
}

func TestRecoverUnfinished(t *testing.T) {
	s := testStore(t)

	finished := filepath.Join(s.root, threadDumpsPrefix+"freeze-old-done-4sec")
	require.NoError(t, os.MkdirAll(finished, 0o755))

	unfinished := filepath.Join(s.root, threadDumpsPrefix+"freeze-crashed")
	require.NoError(t, os.MkdirAll(unfinished, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(unfinished, durationFileName), []byte("7"), 0o644))

	var dirs []string
	var durations []time.Duration
	s.recoverUnfinished(func(dir string, d time.Duration) {
		dirs = append(dirs, dir)
		durations = append(durations, d)
	})

	require.Len(t, dirs, 1)
	assert.Equal(t, unfinished, dirs[0])
	assert.Equal(t, 7*time.Second, durations[0])

	// The marker is gone, so a second scan reports nothing.
	dirs = nil
	s.recoverUnfinished(func(dir string, d time.Duration) { dirs = append(dirs, dir) })
	assert.Empty(t, dirs)
}

func TestCleanOldPrunesByAge(t *testing.T) {
	s := testStore(t)

	stale := filepath.Join(s.root, threadDumpsPrefix+"freeze-ancient")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	old := time.Now().Add(-11 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(s.root, threadDumpsPrefix+"freeze-recent")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	// Directories without the artifact prefix are not touched at the root.
	other := filepath.Join(s.root, "unrelated")
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.Chtimes(other, old, old))

	s.cleanOld()

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
}

func TestFolderNames(t *testing.T) {
	s := testStore(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	name := s.freezeFolderName(ts)
	assert.Equal(t, "threadDumps-freeze-20260102-030405-build42", name)

	name = s.labeledFolderName("outOfMemory")
	assert.True(t, strings.HasPrefix(name, "threadDumps-outOfMemory-"))
	assert.True(t, strings.HasSuffix(name, "-build42"))
}
