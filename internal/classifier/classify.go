// Copyright 2025 James Ross
package classifier

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hybridrag/hybridrag/internal/registry"
)

// Classifier selects a preprocessing chain for a file path given the
// owning DatabaseEntry.
type Classifier struct {
	preprocessors *Registry
	cutoff        BulkCutoff
}

func New(cutoff BulkCutoff) *Classifier {
	return &Classifier{preprocessors: NewRegistry(), cutoff: cutoff}
}

// MatchesExtensions reports whether relPath passes entry's
// file_extensions allow-list (empty allow-list matches everything).
func (c *Classifier) MatchesExtensions(entry registry.DatabaseEntry, relPath string) bool {
	if len(entry.FileExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	for _, allowed := range entry.FileExtensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// MatchesGlob is a doublestar convenience used by the watcher for
// include/exclude glob lists beyond plain extension matching.
func MatchesGlob(pattern, relPath string) bool {
	ok, _ := doublestar.PathMatch(pattern, relPath)
	return ok
}

// TierFor exposes the classifier's bulk-cutoff tier assignment so
// callers that need a tier_hint ahead of a full Classify call (the
// watcher's enqueue path) don't need their own BulkCutoff.
func (c *Classifier) TierFor(modTime time.Time) Tier {
	return c.cutoff.TierFor(modTime)
}

// PipelineFor picks the preprocessing chain for entry, defaulting by
// source_type when the entry has not set an explicit pipeline.
func PipelineFor(entry registry.DatabaseEntry) []string {
	if len(entry.PreprocessingPipeline) > 0 {
		return entry.PreprocessingPipeline
	}
	switch entry.SourceType {
	case registry.SourceConversationExtraction:
		return []string{"conversation-extraction"}
	default:
		return []string{"generic"}
	}
}

// Classify runs the selected pipeline against path and assigns tier_hint
// by the bulk cutoff against modTime.
func (c *Classifier) Classify(entry registry.DatabaseEntry, path string, projectTag string, modTime time.Time) ([]Chunk, error) {
	tier := c.cutoff.TierFor(modTime)
	pipeline := PipelineFor(entry)
	return c.preprocessors.Run(pipeline, path, tier, projectTag)
}
