// Copyright 2025 James Ross
package dispatcher

import (
	"sort"

	"github.com/PaesslerAG/jsonpath"
)

// seedPaths are tried in order against an engine response's raw shape to
// pull out candidate entity names for downstream multihop cascading. The
// engine does not promise a seeds field of its own, so this light
// post-processor covers the shapes it is known to return.
var seedPaths = []string{
	"$.entities[*].name",
	"$.entities[*]",
	"$.context.entities[*].name",
	"$.results[*].entity",
}

const maxSuggestedSeeds = 10

// extractSeeds pulls suggested multihop seeds out of a raw engine
// response. Returns nil when no path matches; callers treat that as
// "nothing to suggest", not an error.
func extractSeeds(raw map[string]interface{}) []string {
	if raw == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, path := range seedPaths {
		v, err := jsonpath.Get(path, map[string]interface{}(raw))
		if err != nil {
			continue
		}
		items, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok || s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
		if len(out) > 0 {
			break
		}
	}
	if len(out) > maxSuggestedSeeds {
		sort.Strings(out)
		out = out[:maxSuggestedSeeds]
	}
	return out
}
