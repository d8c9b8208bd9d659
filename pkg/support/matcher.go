package support

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// Predicate decides whether a registration applies to a project
type Predicate func(types.Project) bool

// MatchPaths matches projects whose base path matches any of the doublestar
// patterns. Patterns use forward slashes on every platform.
func MatchPaths(patterns ...string) (Predicate, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, pkgerrors.WrapWithField(
				pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "invalid path pattern"),
				"pattern", pattern, "match paths")
		}
	}

	return func(p types.Project) bool {
		if p.BasePath == "" {
			return false
		}
		normalized := filepath.ToSlash(filepath.Clean(p.BasePath))
		for _, pattern := range patterns {
			if matched, _ := doublestar.Match(pattern, normalized); matched {
				return true
			}
		}
		return false
	}, nil
}

// MatchLabels matches projects carrying every given label value
func MatchLabels(labels map[string]string) Predicate {
	return func(p types.Project) bool {
		for k, v := range labels {
			if got, ok := p.Labels[k]; !ok || got != v {
				return false
			}
		}
		return true
	}
}

// MatchAll matches when every predicate matches
func MatchAll(predicates ...Predicate) Predicate {
	return func(p types.Project) bool {
		for _, pred := range predicates {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}
