package freezewatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/chosenoffset/freezewatch/pkg/freezewatch/stack"
)

const (
	threadDumpsPrefix = "threadDumps-"
	dumpFilePrefix    = "threadDump-"
	durationFileName  = ".duration"
	timeLayout        = "20060102-150405"

	retainedFolders = 100
	retentionAge    = 10 * 24 * time.Hour
	maxCleanupDepth = 3
)

// artifactStore owns the dump directory layout under one root: dated,
// build-tagged episode folders, one text file per dump, and the transient
// .duration marker that flags an episode still in progress.
type artifactStore struct {
	root     string
	build    string
	appStart time.Time
	logger   log.Logger
}

func newArtifactStore(root, build string, logger log.Logger) *artifactStore {
	return &artifactStore{
		root:     root,
		build:    build,
		appStart: time.Now(),
		logger:   logger,
	}
}

func formatTime(t time.Time) string {
	return t.Format(timeLayout)
}

// freezeFolderName names the episode folder for a stall confirmed at t.
func (s *artifactStore) freezeFolderName(t time.Time) string {
	return threadDumpsPrefix + "freeze-" + formatTime(t) + "-" + s.build
}

// labeledFolderName names an on-demand dump folder, tagged with the process
// start time so repeated dumps of one run share a folder.
func (s *artifactStore) labeledFolderName(label string) string {
	return threadDumpsPrefix + label + "-" + formatTime(s.appStart) + "-" + s.build
}

// ensureFolder creates root/folder and returns its path, or "" when the
// directory cannot be created.
func (s *artifactStore) ensureFolder(folder string) string {
	dir := filepath.Join(s.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		level.Warn(s.logger).Log("msg", "cannot create freeze directory", "dir", dir, "err", err)
		return ""
	}
	return dir
}

// writeDump persists one snapshot into root/folder. The returned path is
// empty when the directory cannot be created or the file cannot be written;
// both degrade to "no artifact" with a log line.
func (s *artifactStore) writeDump(folder string, snap *stack.Snapshot, withMillis bool) string {
	dir := filepath.Join(s.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		level.Warn(s.logger).Log("msg", "cannot create dump directory", "dir", dir, "err", err)
		return ""
	}

	name := dumpFilePrefix + formatTime(snap.Time)
	if withMillis {
		name += "-" + strconv.FormatInt(snap.Time.UnixMilli(), 10)
	}
	path := filepath.Join(dir, name+".txt")

	if pressure := memoryPressure(); pressure != "" {
		level.Info(s.logger).Log("msg", pressure+" while dumping threads", "file", path)
	}

	if err := os.WriteFile(path, snap.Raw, 0o644); err != nil {
		level.Info(s.logger).Log("msg", "failed to write thread dump file", "err", err)
		return ""
	}
	return path
}

// writeMarker records the episode's elapsed seconds so a crash mid-freeze
// leaves a recoverable trace.
func (s *artifactStore) writeMarker(folder string, seconds int64) {
	path := filepath.Join(s.root, folder, durationFileName)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(seconds, 10)), 0o644); err != nil {
		level.Info(s.logger).Log("msg", "failed to write the duration marker", "err", err)
	}
}

func (s *artifactStore) removeMarker(dir string) {
	_ = os.Remove(filepath.Join(dir, durationFileName))
}

// finalizeFreeze closes an episode: drops the marker and renames the folder
// to embed the stall-location label and total duration in seconds. On rename
// failure the data stays where it is and the original path is returned.
// Returns "" when the folder never materialized (no dump was persisted).
func (s *artifactStore) finalizeFreeze(folder, label string, duration time.Duration) string {
	dir := filepath.Join(s.root, folder)
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	s.removeMarker(dir)

	name := folder
	if label != "" {
		name += "-" + label
	}
	name += fmt.Sprintf("-%dsec", int64(duration.Seconds()))

	target := filepath.Join(s.root, name)
	if err := os.Rename(dir, target); err != nil {
		level.Warn(s.logger).Log("msg", "unable to rename freeze folder", "target", target, "err", err)
		return dir
	}
	return target
}

// recoverUnfinished reports episodes whose marker survived a previous
// abnormal termination, removing each marker so the episode is reported
// exactly once.
func (s *artifactStore) recoverUnfinished(report func(dir string, d time.Duration)) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), threadDumpsPrefix) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		raw, err := os.ReadFile(filepath.Join(dir, durationFileName))
		if err != nil {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			s.removeMarker(dir)
			continue
		}
		s.removeMarker(dir)
		report(dir, time.Duration(seconds)*time.Second)
	}
}

// cleanOld prunes historical artifacts: anything beyond the newest
// retainedFolders entries or older than retentionAge goes, recursing a
// bounded number of levels so a runaway layout cannot stall startup.
func (s *artifactStore) cleanOld() {
	s.cleanDir(s.root, 0)
}

func (s *artifactStore) cleanDir(dir string, depth int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if depth > 0 || strings.HasPrefix(e.Name(), threadDumpsPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(dir, name)
		if i < len(names)-retainedFolders || ageOf(path) > retentionAge {
			if err := os.RemoveAll(path); err != nil {
				level.Info(s.logger).Log("msg", "failed to prune old artifact", "path", path, "err", err)
			}
		} else if depth < maxCleanupDepth {
			s.cleanDir(path, depth+1)
		}
	}
}

func ageOf(path string) time.Duration {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}

// memoryPressure describes system memory state when it is worth mentioning
// next to a dump, or "" when memory is fine.
func memoryPressure() string {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return ""
	}
	if vm.Available < vm.Total/5 {
		return fmt.Sprintf("high memory usage (available %d of %d MB)",
			vm.Available/1024/1024, vm.Total/1024/1024)
	}
	return ""
}
