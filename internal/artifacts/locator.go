// Package artifacts discovers probe working directories and finished
// archives on disk. It is purely a read-only view: the probe owns every
// file it finds, and the run-name grammar doubles as the allow-list that
// later gates archive downloads.
package artifacts

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

const (
	// ToolName is the fixed prefix every probe run uses for its
	// working directory and archive names.
	ToolName = "keenetic-maxprobe"

	WorkSuffix     = ".work"
	ArchiveSuffix  = ".tar.gz"
	ChecksumSuffix = ".sha256"
)

// runNamePattern matches <tool>-<token>-<counter>-<UTC compact timestamp>.
// The token is opaque (the probe derives it from the device), the counter
// is a per-device run number and the timestamp is 20060102T150405Z.
var runNamePattern = regexp.MustCompile(
	`^` + ToolName + `-[A-Za-z0-9._]+-[0-9]+-[0-9]{8}T[0-9]{6}Z$`,
)

// WorkDir is a live (or abandoned) probe working directory.
type WorkDir struct {
	ID    string    `json:"id"`
	Path  string    `json:"path"`
	MTime time.Time `json:"mtime"`
}

// Archive is a completed probe output bundle.
type Archive struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	ChecksumPath string    `json:"checksum_path,omitempty"`
	Size         int64     `json:"size"`
	MTime        time.Time `json:"mtime"`
}

// ValidWorkDirName reports whether name is a grammar-conforming working
// directory name.
func ValidWorkDirName(name string) bool {
	id, ok := trimSuffix(name, WorkSuffix)
	return ok && runNamePattern.MatchString(id)
}

// ValidArchiveName reports whether name is a grammar-conforming archive
// name. A trailing checksum suffix is accepted so the sibling .sha256
// file is downloadable too.
func ValidArchiveName(name string) bool {
	if id, ok := trimSuffix(name, ArchiveSuffix+ChecksumSuffix); ok {
		return runNamePattern.MatchString(id)
	}
	id, ok := trimSuffix(name, ArchiveSuffix)
	return ok && runNamePattern.MatchString(id)
}

func trimSuffix(name, suffix string) (string, bool) {
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

// ListWorkDirs returns grammar-conforming working directories across all
// bases, newest first. Missing bases are skipped, not errors; only the
// top level of each base is read.
func ListWorkDirs(bases []string) []WorkDir {
	var out []WorkDir
	for _, base := range bases {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !ValidWorkDirName(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			id, _ := trimSuffix(e.Name(), WorkSuffix)
			out = append(out, WorkDir{
				ID:    id,
				Path:  filepath.Join(base, e.Name()),
				MTime: info.ModTime(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MTime.Equal(out[j].MTime) {
			return out[i].Path > out[j].Path
		}
		return out[i].MTime.After(out[j].MTime)
	})
	return out
}

// ListArchives returns grammar-conforming archives across all bases,
// newest first. A sibling .sha256 file is reported via ChecksumPath when
// present. limit <= 0 means no limit.
func ListArchives(bases []string, limit int) []Archive {
	var out []Archive
	for _, base := range bases {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			id, ok := trimSuffix(name, ArchiveSuffix)
			if e.IsDir() || !ok || !runNamePattern.MatchString(id) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			a := Archive{
				ID:    id,
				Name:  name,
				Path:  filepath.Join(base, name),
				Size:  info.Size(),
				MTime: info.ModTime(),
			}
			sum := a.Path + ChecksumSuffix
			if st, err := os.Stat(sum); err == nil && st.Mode().IsRegular() {
				a.ChecksumPath = sum
			}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MTime.Equal(out[j].MTime) {
			return out[i].Path > out[j].Path
		}
		return out[i].MTime.After(out[j].MTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LatestWorkDir returns the most recently modified working directory, or
// nil when none exists.
func LatestWorkDir(bases []string) *WorkDir {
	ws := ListWorkDirs(bases)
	if len(ws) == 0 {
		return nil
	}
	return &ws[0]
}

// LatestArchive returns the most recently modified archive, or nil.
func LatestArchive(bases []string) *Archive {
	as := ListArchives(bases, 1)
	if len(as) == 0 {
		return nil
	}
	return &as[0]
}

// Resolve maps a requested download name to an absolute path inside one
// of the bases. It enforces, in order: grammar match, path containment
// after symlink resolution, and regular-file-ness. The empty string means
// the request is refused; callers must not distinguish why.
func Resolve(bases []string, name string) string {
	if name == "" || name != filepath.Base(name) {
		return ""
	}
	if !ValidArchiveName(name) {
		return ""
	}
	for _, base := range bases {
		resolvedBase, err := filepath.EvalSymlinks(base)
		if err != nil {
			continue
		}
		candidate := filepath.Join(base, name)
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if !contained(resolvedBase, resolved) {
			continue
		}
		st, err := os.Lstat(resolved)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		return resolved
	}
	return ""
}

func contained(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) &&
		(len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator))
}
