package status

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"strings"
)

// readOrDefault returns at most cap bytes from the end of the file, or
// "" on any failure. This is the single primitive behind every read of
// probe-produced files.
func readOrDefault(path string, byteCap int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		return ""
	}
	offset := int64(0)
	if st.Size() > byteCap {
		offset = st.Size() - byteCap
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(f, byteCap))
	if err != nil && len(b) == 0 {
		return ""
	}
	return string(b)
}

// TailLines returns up to maxLines lines from the end of path, reading at
// most byteCap bytes. A 10 MB log costs byteCap of IO, never a full read.
func TailLines(path string, maxLines int, byteCap int64) string {
	if maxLines <= 0 {
		return ""
	}
	raw := readOrDefault(path, byteCap)
	if raw == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

const (
	summaryMemberCap = 4 * 1024
	summaryEntryScan = 256
)

// summaryMembers are archive entries worth surfacing when no working
// directory exists anymore, in preference order.
var summaryMembers = []string{
	"meta/phase.txt",
	"meta/progress.txt",
	"analysis/inventory.json",
}

// archiveSummary extracts a small text member from the archive without
// unpacking it. Scanning stops after a fixed number of entries and the
// member read is byte-capped, so a hostile or corrupt archive costs a
// bounded amount of work. Any failure reads as no summary.
func archiveSummary(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return ""
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for i := 0; i < summaryEntryScan; i++ {
		hdr, err := tr.Next()
		if err != nil {
			return ""
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		for _, want := range summaryMembers {
			if hdr.Name == want || strings.HasSuffix(hdr.Name, "/"+want) {
				b, err := io.ReadAll(io.LimitReader(tr, summaryMemberCap))
				if err != nil && len(b) == 0 {
					return ""
				}
				return strings.TrimSpace(string(b))
			}
		}
	}
	return ""
}
