// Copyright 2025 James Ross
package classifier

import (
	"fmt"
	"os"
	"strings"
)

// Preprocessor turns raw file bytes into one or more chunks.
type Preprocessor func(path string, raw []byte, tier Tier, projectTag string) ([]Chunk, error)

// Registry dispatches by name, mirroring the data model's "other named
// transforms are registered by name".
type Registry struct {
	named map[string]Preprocessor
}

func NewRegistry() *Registry {
	r := &Registry{named: map[string]Preprocessor{}}
	r.Register("generic", genericPreprocess)
	r.Register("conversation-extraction", conversationExtractionPreprocess)
	return r
}

func (r *Registry) Register(name string, p Preprocessor) {
	r.named[name] = p
}

func (r *Registry) Get(name string) (Preprocessor, bool) {
	p, ok := r.named[name]
	return p, ok
}

// Run walks entry's preprocessing_pipeline in order, falling back to
// "generic" when the pipeline is empty.
func (r *Registry) Run(pipeline []string, path string, tier Tier, projectTag string) ([]Chunk, error) {
	if len(pipeline) == 0 {
		pipeline = []string{"generic"}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read %s: %w", path, err)
	}
	var out []Chunk
	for _, name := range pipeline {
		p, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("classifier: unknown preprocessing transform %q", name)
		}
		chunks, err := p(path, raw, tier, projectTag)
		if err != nil {
			return nil, fmt.Errorf("classifier: run %q on %s: %w", name, path, err)
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// genericPreprocess reads, decodes, and normalizes a file into a single
// chunk. Normalization here is UTF-8 validation via strings.ToValidUTF8
// and trimming of leading and trailing whitespace; inner whitespace is
// kept as is. The engine owns deeper decoding concerns.
func genericPreprocess(path string, raw []byte, tier Tier, projectTag string) ([]Chunk, error) {
	text := strings.ToValidUTF8(string(raw), "")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return []Chunk{{
		Text: text,
		Metadata: Metadata{
			SourcePath:   path,
			ProjectTag:   projectTag,
			PipelineName: "generic",
			TierHint:     tier,
		},
	}}, nil
}

// turnSeparator splits a session-history transcript into turns: each
// turn is a block of one or more lines, led by a role prefix, and blank
// lines separate turns. Real session-history formats vary by source; this
// is the only shape this transform parses.
const turnSeparator = "\n\n"

// conversationExtractionPreprocess parses a session-history export,
// emitting one chunk per logical turn with role metadata, and stripping
// tool-call noise lines (lines beginning with a bracketed tag such as
// "[tool_call]" or "[tool_result]").
func conversationExtractionPreprocess(path string, raw []byte, tier Tier, projectTag string) ([]Chunk, error) {
	text := strings.ToValidUTF8(string(raw), "")
	turns := strings.Split(text, turnSeparator)
	var chunks []Chunk
	for _, turn := range turns {
		turn = strings.TrimSpace(turn)
		if turn == "" {
			continue
		}
		role, body := splitRole(turn)
		body = stripToolCallNoise(body)
		if body == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text: body,
			Metadata: Metadata{
				SourcePath:   path,
				ProjectTag:   projectTag,
				PipelineName: "conversation-extraction",
				TierHint:     tier,
				Role:         role,
			},
		})
	}
	return chunks, nil
}

// splitRole extracts a leading "role: " prefix (e.g. "user: ", "assistant: ");
// turns without a recognized prefix are tagged "unknown".
func splitRole(turn string) (role, body string) {
	idx := strings.Index(turn, ":")
	if idx <= 0 || idx > 20 {
		return "unknown", turn
	}
	candidate := strings.ToLower(strings.TrimSpace(turn[:idx]))
	switch candidate {
	case "user", "assistant", "system", "tool":
		return candidate, strings.TrimSpace(turn[idx+1:])
	default:
		return "unknown", turn
	}
}

func stripToolCallNoise(body string) string {
	lines := strings.Split(body, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[tool_call]") || strings.HasPrefix(trimmed, "[tool_result]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
