package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/samcharles93/chunkllm/internal/artifact"
)

var chunkPattern = regexp.MustCompile(`^(.*)chunk(\d+)` + regexp.QuoteMeta(artifact.Ext) + `$`)

// Discover finds the stage artifacts in dir and returns their paths in chunk
// order with the prefix they share. Entries may be files or directories.
// With an empty prefix the directory must hold exactly one model.
func Discover(dir, prefix string) ([]string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelChunksNotFound, err)
	}

	byPrefix := map[string]map[int]string{}
	for _, e := range entries {
		m := chunkPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if byPrefix[m[1]] == nil {
			byPrefix[m[1]] = map[int]string{}
		}
		byPrefix[m[1]][idx] = filepath.Join(dir, e.Name())
	}

	var chosen string
	switch {
	case prefix != "":
		found := false
		for _, candidate := range []string{prefix, prefix + "_"} {
			if _, ok := byPrefix[candidate]; ok {
				chosen, found = candidate, true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("%w: no %schunk<N>%s in %s", ErrModelChunksNotFound, prefix, artifact.Ext, dir)
		}
	case len(byPrefix) == 0:
		return nil, "", fmt.Errorf("%w: no *chunk<N>%s in %s", ErrModelChunksNotFound, artifact.Ext, dir)
	case len(byPrefix) > 1:
		candidates := make([]string, 0, len(byPrefix))
		for p := range byPrefix {
			candidates = append(candidates, p)
		}
		slices.Sort(candidates)
		return nil, "", &AmbiguousModelPathError{Candidates: candidates}
	default:
		for p := range byPrefix {
			chosen = p
		}
	}

	chunks := byPrefix[chosen]
	paths := make([]string, len(chunks))
	for i := range paths {
		path, ok := chunks[i]
		if !ok {
			return nil, "", fmt.Errorf("%w: %schunk%d%s missing from %s", ErrModelChunksNotFound, chosen, i, artifact.Ext, dir)
		}
		paths[i] = path
	}
	return paths, chosen, nil
}
