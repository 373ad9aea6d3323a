// Package logmerge stitches per-segment trace artifacts into combined logs.
package logmerge

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNoFiles is returned by Combine when nothing matches the pattern
var ErrNoFiles = errors.New("no matching files")

var (
	segmentTag = regexp.MustCompile(`segment_(\d+)`)
	dumpTag    = regexp.MustCompile(`dump_(\d+)`)
)

// Ordering tiers, lowest sorts first. Segment folders come from the
// continuous runner and reflect true chronology; dump folders come from
// independent runs; anything else falls back to modification time.
const (
	tierSegment = iota
	tierDump
	tierModTime
)

type sortKey struct {
	tier  int
	value int64
	rel   string
}

func (k sortKey) less(o sortKey) bool {
	if k.tier != o.tier {
		return k.tier < o.tier
	}
	if k.value != o.value {
		return k.value < o.value
	}
	return k.rel < o.rel
}

// artifact is a matched file together with its ordering key
type artifact struct {
	path string
	key  sortKey
}

// keyFor derives the ordering key of path. Tags are searched in the
// directories between root and the file, nearest directory first.
func keyFor(root, path string, modTime int64) sortKey {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	dirs := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	for _, tag := range []struct {
		re   *regexp.Regexp
		tier int
	}{
		{segmentTag, tierSegment},
		{dumpTag, tierDump},
	} {
		for i := len(dirs) - 1; i >= 0; i-- {
			m := tag.re.FindStringSubmatch(dirs[i])
			if m == nil {
				continue
			}
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			return sortKey{tier: tag.tier, value: n, rel: rel}
		}
	}

	return sortKey{tier: tierModTime, value: modTime, rel: rel}
}

// sortArtifacts orders artifacts by key. The relative path breaks ties so the
// order never depends on directory listing order.
func sortArtifacts(artifacts []artifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].key.less(artifacts[j].key)
	})
}

// Find returns the files under root whose base name matches pattern, in
// combination order.
func Find(root, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var artifacts []artifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, artifact{
			path: path,
			key:  keyFor(root, path, info.ModTime().UnixNano()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sortArtifacts(artifacts)

	files := make([]string, len(artifacts))
	for i, a := range artifacts {
		files[i] = a.path
	}
	return files, nil
}

// Combine concatenates every file under root matching pattern into output.
// It returns the number of files combined. An output lying under root is
// never one of its own inputs. When nothing matches, no output file is
// created and ErrNoFiles is returned.
func Combine(root, pattern, output string) (int, error) {
	found, err := Find(root, pattern)
	if err != nil {
		return 0, err
	}
	self, err := filepath.Abs(output)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", output, err)
	}
	files := found[:0]
	for _, f := range found {
		if abs, err := filepath.Abs(f); err == nil && abs == self {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("%s under %s: %w", pattern, root, ErrNoFiles)
	}

	out, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", output, err)
	}

	s := NewStream(out)
	for _, f := range files {
		if err := s.AppendFile(f); err != nil {
			out.Close()
			return 0, err
		}
	}

	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", output, err)
	}
	return len(files), nil
}

// Trim removes leading and trailing blank lines. Lines holding only
// whitespace count as blank.
func Trim(content string) string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// Stream appends trimmed segments to a writer, separating consecutive
// segments with a single newline. Segments that are blank after trimming are
// skipped.
type Stream struct {
	w       io.Writer
	written int
}

// NewStream creates a stream over w
func NewStream(w io.Writer) *Stream {
	return &Stream{w: w}
}

// Append writes one segment
func (s *Stream) Append(content string) error {
	content = Trim(content)
	if content == "" {
		return nil
	}
	if s.written > 0 {
		if _, err := io.WriteString(s.w, "\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.w, content); err != nil {
		return err
	}
	s.written++
	return nil
}

// AppendFile reads path and appends its contents. The file is fully read and
// closed before anything is written.
func (s *Stream) AppendFile(path string) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s.Append(string(data))
}

// Segments returns the number of non-blank segments written
func (s *Stream) Segments() int {
	return s.written
}

// readFile can be swapped in tests to inject read failures
var readFile = os.ReadFile
