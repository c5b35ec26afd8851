package service

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/vipul43/gitsync-worker/internal/models"
	"gopkg.in/yaml.v3"
)

var ErrInvalidFilePath = errors.New("invalid file path")

// NormalizeFilePath strips a leading slash and rejects paths that would escape
// or alias another path in the repository
func NormalizeFilePath(p string) (string, error) {
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidFilePath)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidFilePath, p)
		case ".", "..":
			return "", fmt.Errorf("%w: %q has a relative segment", ErrInvalidFilePath, p)
		}
	}
	if path.Clean(trimmed) != trimmed {
		return "", fmt.Errorf("%w: %q is not clean", ErrInvalidFilePath, p)
	}
	return trimmed, nil
}

// IsYAMLFile reports whether p names a YAML document
func IsYAMLFile(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}

// ValidateYAML checks that every document in content parses
func ValidateYAML(content string) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
	}
}

// ValidateFileChange checks a single change: its paths and, for YAML files
// that keep content, that the content parses
func ValidateFileChange(change models.FileChange) error {
	if _, err := NormalizeFilePath(change.FilePath); err != nil {
		return err
	}
	switch change.ChangeType {
	case models.ChangeTypeAdd, models.ChangeTypeModify:
	case models.ChangeTypeRename:
		if _, err := NormalizeFilePath(change.OldFilePath); err != nil {
			return err
		}
	case models.ChangeTypeDelete:
		return nil
	default:
		return fmt.Errorf("unknown change type %q", change.ChangeType)
	}
	if IsYAMLFile(change.FilePath) {
		return ValidateYAML(change.FileContent)
	}
	return nil
}

// MergeFileChanges flattens the changes of a batch into one list with the same
// end result as applying them one by one. Paths keep the position of their
// first change. A rename whose target is later modified stays a rename carrying
// the new content; if the target is later deleted or renamed away, the source
// path is deleted explicitly.
func MergeFileChanges(changeSets []models.ChangeSet) []models.FileChange {
	type pathState struct {
		present bool
		change  models.FileChange
		// renamedTo is the rename target that removed this path, if any
		renamedTo string
	}
	states := make(map[string]*pathState)
	var order []string
	touch := func(p string) *pathState {
		st, ok := states[p]
		if !ok {
			st = &pathState{}
			states[p] = st
			order = append(order, p)
		}
		return st
	}

	for _, cs := range changeSets {
		for _, change := range cs.FileChanges {
			change.FilePath = strings.TrimPrefix(change.FilePath, "/")
			change.OldFilePath = strings.TrimPrefix(change.OldFilePath, "/")

			switch change.ChangeType {
			case models.ChangeTypeRename:
				src := touch(change.OldFilePath)
				*src = pathState{
					change:    models.FileChange{FilePath: change.OldFilePath, ChangeType: models.ChangeTypeDelete},
					renamedTo: change.FilePath,
				}
				*touch(change.FilePath) = pathState{present: true, change: change}
			case models.ChangeTypeDelete:
				*touch(change.FilePath) = pathState{change: change}
			case models.ChangeTypeAdd, models.ChangeTypeModify:
				st := touch(change.FilePath)
				if st.present && st.change.ChangeType == models.ChangeTypeRename {
					st.change.FileContent = change.FileContent
					continue
				}
				*st = pathState{present: true, change: change}
			default:
				// left for validation to reject
				*touch(change.FilePath) = pathState{present: true, change: change}
			}
		}
	}

	// renames reports whether the change stored at target still removes source
	renames := func(target, source string) bool {
		st, ok := states[target]
		return ok && st.present &&
			st.change.ChangeType == models.ChangeTypeRename &&
			st.change.OldFilePath == source
	}

	merged := make([]models.FileChange, 0, len(order))
	for _, p := range order {
		st := states[p]
		change := st.change
		if st.present {
			if change.ChangeType == models.ChangeTypeRename {
				src := states[change.OldFilePath]
				if src.present || src.renamedTo != p {
					// the source was written again after the rename
					change.ChangeType = models.ChangeTypeAdd
					change.OldFilePath = ""
				}
			}
			merged = append(merged, change)
			continue
		}
		if st.renamedTo != "" && renames(st.renamedTo, p) {
			continue
		}
		merged = append(merged, change)
	}
	return merged
}
