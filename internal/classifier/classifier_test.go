// Copyright 2025 James Ross
package classifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hybridrag/hybridrag/internal/registry"
)

func TestGenericPreprocess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("  hello world  "), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(BulkCutoff{OlderThan: time.Hour})
	chunks, err := c.Classify(registry.DatabaseEntry{SourceType: registry.SourceGeneric}, path, "proj1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Text != "hello world" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if chunks[0].Metadata.TierHint != TierEnriched {
		t.Fatalf("expected enriched tier for a fresh file, got %s", chunks[0].Metadata.TierHint)
	}
}

func TestBulkCutoffAssignsFastTier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(BulkCutoff{OlderThan: time.Hour})
	old := time.Now().Add(-2 * time.Hour)
	chunks, err := c.Classify(registry.DatabaseEntry{SourceType: registry.SourceGeneric}, path, "proj1", old)
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].Metadata.TierHint != TierFast {
		t.Fatalf("expected fast tier for an old file, got %s", chunks[0].Metadata.TierHint)
	}
}

func TestConversationExtractionSplitsTurnsAndStripsToolNoise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.txt")
	content := "user: what is the weather\n\nassistant: let me check\n[tool_call] get_weather()\n[tool_result] sunny\nit's sunny today"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := registry.DatabaseEntry{
		SourceType:            registry.SourceConversationExtraction,
		PreprocessingPipeline: []string{"conversation-extraction"},
	}
	c := New(BulkCutoff{OlderThan: time.Hour})
	chunks, err := c.Classify(entry, path, "proj1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 turns, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Metadata.Role != "user" {
		t.Fatalf("expected first turn role user, got %s", chunks[0].Metadata.Role)
	}
	if chunks[1].Metadata.Role != "assistant" {
		t.Fatalf("expected second turn role assistant, got %s", chunks[1].Metadata.Role)
	}
	for _, frag := range []string{"tool_call", "tool_result"} {
		if containsFrag(chunks[1].Text, frag) {
			t.Fatalf("expected tool-call noise stripped, found %q in %q", frag, chunks[1].Text)
		}
	}
}

func containsFrag(s, frag string) bool {
	for i := 0; i+len(frag) <= len(s); i++ {
		if s[i:i+len(frag)] == frag {
			return true
		}
	}
	return false
}

func TestMatchesExtensions(t *testing.T) {
	c := New(BulkCutoff{OlderThan: time.Hour})
	entry := registry.DatabaseEntry{FileExtensions: []string{".md", ".txt"}}
	if !c.MatchesExtensions(entry, "notes/a.md") {
		t.Fatal("expected .md to match")
	}
	if c.MatchesExtensions(entry, "notes/a.bin") {
		t.Fatal("expected .bin to not match")
	}
}

func TestMatchesGlob(t *testing.T) {
	if !MatchesGlob("**/*.md", "a/b/c.md") {
		t.Fatal("expected glob to match nested markdown file")
	}
	if MatchesGlob("**/*.md", "a/b/c.txt") {
		t.Fatal("expected glob to not match txt file")
	}
}

func TestPipelineForDefaultsBySourceType(t *testing.T) {
	p := PipelineFor(registry.DatabaseEntry{SourceType: registry.SourceConversationExtraction})
	if len(p) != 1 || p[0] != "conversation-extraction" {
		t.Fatalf("expected conversation-extraction default pipeline, got %v", p)
	}
	p = PipelineFor(registry.DatabaseEntry{SourceType: registry.SourceGeneric})
	if len(p) != 1 || p[0] != "generic" {
		t.Fatalf("expected generic default pipeline, got %v", p)
	}
}
