package snapshot

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// listWorkspace returns every regular file and symlink under the workspace as a
// sorted, slash-separated relative path. Ignored directories and the
// record directory are skipped.
func (s *Store) listWorkspace() ([]string, error) {
	recordDir, _ := filepath.Abs(s.dir)
	var files []string

	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.workspace {
				return nil
			}
			if s.ignore[d.Name()] {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(path); abs == recordDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
