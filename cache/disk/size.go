package disk

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Temporary files use a prefix that can never be a valid (hex) key.
const tempPrefix = "tmp-"

type cacheEntry struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// dirSize returns the total size of the entries listEntries reports, so the
// resident size only counts bytes that eviction can remove.
func dirSize(root string) (int64, error) {
	entries, err := listEntries(root)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}

// listEntries returns the cached blocks in root. Entries that vanish while
// listing are skipped.
func listEntries(root string) ([]cacheEntry, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]cacheEntry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, cacheEntry{
			name:    d.Name(),
			path:    filepath.Join(root, d.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return entries, nil
}

// sortOldestFirst orders entries by modification time, oldest first.
func sortOldestFirst(entries []cacheEntry) {
	slices.SortFunc(entries, func(a, b cacheEntry) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
}

// sweepTemp removes temporary files left behind by an interrupted write.
func sweepTemp(root string) error {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, d := range dirEntries {
		if strings.HasPrefix(d.Name(), tempPrefix) {
			_ = os.Remove(filepath.Join(root, d.Name()))
		}
	}
	return nil
}

// writeFile writes data to a temporary file in dir and renames it to path.
// On failure nothing is left behind.
func writeFile(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// checkWritable verifies that dir is a directory we can create files in.
func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "open", Path: dir, Err: errors.New("not a directory")}
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"probe-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}
