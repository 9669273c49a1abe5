package plot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/tos-network/poc-miner/internal/util"
)

// Index is the set of valid plot files found under the configured paths.
type Index struct {
	files []*File
	byDir map[string][]*File
	dirs  []string
	size  int64
}

// LoadIndex enumerates plot files. Each path may be a directory (its regular
// files are considered, non-recursively) or a single file. Invalid or
// incomplete files are skipped with a warning. A path that does not exist is
// reported but does not fail the whole index.
func LoadIndex(fs afero.Fs, paths []string) (*Index, error) {
	log := util.Channel(util.ChannelPlots)
	idx := &Index{byDir: make(map[string][]*File)}
	seen := make(map[string]bool)

	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warnf("Plot path %s does not exist", p)
				continue
			}
			return nil, fmt.Errorf("stat plot path %s: %w", p, err)
		}

		if !info.IsDir() {
			idx.add(fs, p, info, seen)
			continue
		}

		entries, err := afero.ReadDir(fs, p)
		if err != nil {
			log.Warnf("Could not read plot directory %s: %v", p, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			idx.add(fs, filepath.Join(p, entry.Name()), entry, seen)
		}
	}

	for dir := range idx.byDir {
		idx.dirs = append(idx.dirs, dir)
	}
	sort.Strings(idx.dirs)

	return idx, nil
}

func (idx *Index) add(fs afero.Fs, path string, info os.FileInfo, seen map[string]bool) {
	log := util.Channel(util.ChannelPlots)

	path = filepath.Clean(path)
	if seen[path] {
		return
	}
	seen[path] = true

	name, err := ParseName(info.Name())
	if err != nil {
		log.Warnf("Skipping %s: %v", path, err)
		return
	}
	if info.Size() < name.ExpectedSize() {
		log.Warnf("Skipping %s: size %d is below the %d bytes its name declares",
			path, info.Size(), name.ExpectedSize())
		return
	}

	f := &File{
		Name: name,
		Path: path,
		Dir:  filepath.Dir(path),
		Size: info.Size(),
	}
	idx.files = append(idx.files, f)
	idx.byDir[f.Dir] = append(idx.byDir[f.Dir], f)
	idx.size += f.Size
}

// Files returns every indexed plot file.
func (idx *Index) Files() []*File {
	return idx.files
}

// Dirs returns the plot directories in sorted order.
func (idx *Index) Dirs() []string {
	return idx.dirs
}

// DirFiles returns the plot files of one directory in discovery order.
func (idx *Index) DirFiles(dir string) []*File {
	return idx.byDir[dir]
}

// TotalSize is the combined size of all plot files in bytes.
func (idx *Index) TotalSize() int64 {
	return idx.size
}

// TotalNonces is the number of nonces across all plot files.
func (idx *Index) TotalNonces() uint64 {
	var n uint64
	for _, f := range idx.files {
		n += f.Nonces
	}
	return n
}

// Accounts returns the distinct account ids that own plot files.
func (idx *Index) Accounts() []uint64 {
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, f := range idx.files {
		if !seen[f.AccountID] {
			seen[f.AccountID] = true
			ids = append(ids, f.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LogSummary writes the per directory totals at info level.
func (idx *Index) LogSummary() {
	log := util.Channel(util.ChannelPlots)
	for _, dir := range idx.dirs {
		var size int64
		for _, f := range idx.byDir[dir] {
			size += f.Size
		}
		log.Infof("%s: %d plot files, %s", dir, len(idx.byDir[dir]), util.FormatBytes(uint64(size)))
	}
	log.Infof("Total plots size: %s in %d files, %d nonces",
		util.FormatBytes(uint64(idx.size)), len(idx.files), idx.TotalNonces())
}
