package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"coldvault/pkg/archive"
)

// Report 是工作区的快照
type Report struct {
	Workspace    string              `yaml:"workspace"`
	GeneratedAt  time.Time           `yaml:"generated_at"`
	BuildingDirs []BuildingDirStatus `yaml:"building_dirs"`
	CacheEntries []CacheEntryStatus  `yaml:"cache_entries"`
}

type BuildingDirStatus struct {
	Archive string `yaml:"archive"`
	State   string `yaml:"state"`
	Files   int    `yaml:"files"`
	Size    int64  `yaml:"size"`
	Age     string `yaml:"age"`
}

type CacheEntryStatus struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"` // archive | extracted
	Age    string `yaml:"age"`
	Pinned bool   `yaml:"pinned"`
}

// Status 扫描 zip/ 和 tmp/，不加锁，结果只用于展示
func (e *Engine) Status(ctx context.Context) (Report, error) {
	now := e.now()
	r := Report{Workspace: e.cfg.WorkspacePath, GeneratedAt: now}

	dirs, err := e.scanBuildingDirs()
	if err != nil {
		return r, err
	}
	counts := map[archive.DirState]int{}
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		key, err := e.archiveKeyFor(d.path)
		if err != nil {
			continue
		}
		files, size, _ := e.members(d.path)
		st := BuildingDirStatus{Archive: key, State: d.state.String(), Files: len(files), Size: size}
		if created, err := archive.CreationTime(filepath.Base(d.path)); err == nil {
			st.Age = age(now, created)
		}
		r.BuildingDirs = append(r.BuildingDirs, st)
		counts[d.state]++
	}
	for _, s := range []archive.DirState{archive.StateOpen, archive.StateSealed, archive.StateSymlinked} {
		e.metrics.SetBuildingDirs(s.String(), counts[s])
	}

	err = filepath.WalkDir(e.tmpRoot(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == e.uploadDir() {
			return filepath.SkipDir
		}
		var kind string
		switch {
		case d.IsDir() && archive.IsBuildingDir(d.Name()):
			kind = "extracted"
		case d.Type().IsRegular() && strings.HasSuffix(d.Name(), archive.Extension):
			kind = "archive"
		default:
			return nil
		}
		rel, _ := filepath.Rel(e.tmpRoot(), p)
		entry := CacheEntryStatus{Path: filepath.ToSlash(rel), Kind: kind, Pinned: e.pinned(p)}
		if info, err := os.Stat(p); err == nil {
			entry.Age = age(now, info.ModTime())
		}
		r.CacheEntries = append(r.CacheEntries, entry)
		if kind == "extracted" {
			return filepath.SkipDir
		}
		return nil
	})

	sort.Slice(r.BuildingDirs, func(i, j int) bool { return r.BuildingDirs[i].Archive < r.BuildingDirs[j].Archive })
	sort.Slice(r.CacheEntries, func(i, j int) bool { return r.CacheEntries[i].Path < r.CacheEntries[j].Path })
	return r, err
}

func age(now, t time.Time) string {
	return now.Sub(t).Round(time.Second).String()
}
