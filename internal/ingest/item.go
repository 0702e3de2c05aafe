// Copyright 2025 James Ross
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hybridrag/hybridrag/internal/classifier"
)

// Fingerprint is a 256-bit hash over normalized file bytes; two files
// with identical content share one fingerprint.
func Fingerprint(normalized []byte) string {
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// Item is the in-memory queued unit, matching the data model's
// IngestionItem.
type Item struct {
	Fingerprint   string              `json:"fingerprint"`
	SourcePath    string              `json:"source_path"`
	ExtractedText string              `json:"extracted_text"`
	Metadata      classifier.Metadata `json:"metadata"`
	TierHint      classifier.Tier     `json:"tier_hint"`
	AttemptCount  int                 `json:"attempt_count"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	Size          int64               `json:"size"`
}

func (i Item) Marshal() ([]byte, error)    { return json.Marshal(i) }
func Unmarshal(b []byte) (Item, error) {
	var i Item
	err := json.Unmarshal(b, &i)
	return i, err
}
