// Package checkpoint discovers the dump folders of a capture and orders them
// chronologically.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// pattern matches checkpoint folder names. The digits are the capture
// timestamp.
var pattern = regexp.MustCompile(`^dump_(\d+)$`)

// Checkpoint identifies one snapshot folder
type Checkpoint struct {
	Seq  int64  `json:"seq"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Sequence extracts the sequence key from a checkpoint folder name.
func Sequence(name string) (int64, bool) {
	m := pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Locate returns the checkpoint folders directly under root, sorted by
// ascending sequence key. Folders sharing a key, such as dump_7 and
// dump_007, are ordered by name. Entries that don't match the naming pattern are
// ignored. An empty result is not an error.
func Locate(root string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	checkpoints := make([]Checkpoint, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seq, ok := Sequence(entry.Name())
		if !ok {
			continue
		}
		checkpoints = append(checkpoints, Checkpoint{
			Seq:  seq,
			Name: entry.Name(),
			Path: filepath.Join(root, entry.Name()),
		})
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		if checkpoints[i].Seq != checkpoints[j].Seq {
			return checkpoints[i].Seq < checkpoints[j].Seq
		}
		return checkpoints[i].Name < checkpoints[j].Name
	})

	return checkpoints, nil
}
