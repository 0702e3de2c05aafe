// Copyright 2025 James Ross
package registry

import (
	"fmt"
	"regexp"
)

// Name is a unique short token identifying a registered database.
type Name string

var nameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

func (n Name) Validate() error {
	if n == "" || !nameRegex.MatchString(string(n)) {
		return fmt.Errorf("%w: name %q must match [a-z0-9_-]+", ErrInvalid, n)
	}
	return nil
}

func (n Name) String() string { return string(n) }

// BackendType enumerates the storage classes a DatabaseEntry can bind to.
// The set is intentionally open: callers may register additional backend
// types with the factory without a registry code change (see
// internal/backend.Factory.Register).
type BackendType string

const (
	BackendFileBased      BackendType = "file-based"
	BackendServerV1       BackendType = "server-backed-v1"
	BackendServerV2       BackendType = "server-backed-v2"
)

type SourceType string

const (
	SourceGeneric               SourceType = "generic"
	SourceConversationExtraction SourceType = "conversation-extraction"
	SourceAPIPulled              SourceType = "api-pulled"
	SourceSchema                 SourceType = "schema"
)

// BackendConfig is polymorphic by BackendType. Only the fields relevant to
// the entry's BackendType are meaningful; others are zero. Server-backed
// passwords are never stored in plain text: PasswordRef holds an
// env://NAME or awssm://id indirection resolved by internal/secretref.
type BackendConfig struct {
	// File-based
	FileSizeWarningMB          int     `yaml:"file_size_warning_mb,omitempty" json:"file_size_warning_mb,omitempty"`
	TotalSizeWarningMB         int     `yaml:"total_size_warning_mb,omitempty" json:"total_size_warning_mb,omitempty"`
	PerformanceDegradationPct  float64 `yaml:"performance_degradation_pct,omitempty" json:"performance_degradation_pct,omitempty"`

	// Server-backed
	Host            string `yaml:"host,omitempty" json:"host,omitempty"`
	Port            int    `yaml:"port,omitempty" json:"port,omitempty"`
	User            string `yaml:"user,omitempty" json:"user,omitempty"`
	PasswordRef     string `yaml:"password_ref,omitempty" json:"password_ref,omitempty"`
	Database        string `yaml:"database,omitempty" json:"database,omitempty"`
	Workspace       string `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	SSLMode         string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`
	MaxConnections  int    `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`
	VectorIndexKind string `yaml:"vector_index_kind,omitempty" json:"vector_index_kind,omitempty"`
	HNSWM           int    `yaml:"hnsw_m,omitempty" json:"hnsw_m,omitempty"`
	HNSWEf          int    `yaml:"hnsw_ef,omitempty" json:"hnsw_ef,omitempty"`
	ConnectionString string `yaml:"connection_string,omitempty" json:"connection_string,omitempty"`
}

// Validate checks BackendConfig fields that are meaningful for bt.
func (bc BackendConfig) Validate(bt BackendType) error {
	if bt == BackendFileBased {
		return nil
	}
	if bc.ConnectionString != "" {
		return nil
	}
	if bc.Host == "" || bc.Port == 0 {
		return fmt.Errorf("%w: server-backed config requires host/port or connection_string", ErrInvalid)
	}
	if bc.Port < 1 || bc.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535", ErrInvalid)
	}
	if bc.MaxConnections != 0 && (bc.MaxConnections < 1 || bc.MaxConnections > 100) {
		return fmt.Errorf("%w: max_connections must be 1-100", ErrInvalid)
	}
	switch bc.VectorIndexKind {
	case "", "hnsw", "ivfflat":
	default:
		return fmt.Errorf("%w: vector_index_kind must be hnsw or ivfflat", ErrInvalid)
	}
	return nil
}

// ModelConfig records the embedding/LLM model bound to a database, and
// any provider API keys needed to reach them. Keys are stored as
// secretref indirections, same convention as BackendConfig.PasswordRef.
type ModelConfig struct {
	LLMModel      string            `yaml:"llm_model" json:"llm_model"`
	EmbeddingModel string           `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDim  int               `yaml:"embedding_dim" json:"embedding_dim"`
	ProviderKeyRefs map[string]string `yaml:"provider_key_refs,omitempty" json:"provider_key_refs,omitempty"`
}

// DatabaseEntry is one registered logical database.
type DatabaseEntry struct {
	Name                 Name          `yaml:"name" json:"name"`
	Path                  string        `yaml:"path" json:"path"`
	SourceFolder          string        `yaml:"source_folder,omitempty" json:"source_folder,omitempty"`
	SourceType            SourceType    `yaml:"source_type" json:"source_type"`
	FileExtensions        []string      `yaml:"file_extensions,omitempty" json:"file_extensions,omitempty"`
	Recursive             bool          `yaml:"recursive" json:"recursive"`
	PreprocessingPipeline []string      `yaml:"preprocessing_pipeline,omitempty" json:"preprocessing_pipeline,omitempty"`
	AutoWatch             bool          `yaml:"auto_watch" json:"auto_watch"`
	WatchIntervalSeconds  int           `yaml:"watch_interval_seconds" json:"watch_interval_seconds"`
	BackendType           BackendType   `yaml:"backend_type" json:"backend_type"`
	BackendConfig         BackendConfig `yaml:"backend_config" json:"backend_config"`
	ModelConfig           ModelConfig   `yaml:"model_config" json:"model_config"`
	Description           string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks the invariants from the data model: name format, backend
// config/type consistency, and a sane watch interval.
func (e DatabaseEntry) Validate() error {
	if err := e.Name.Validate(); err != nil {
		return err
	}
	if e.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalid)
	}
	if e.WatchIntervalSeconds != 0 && e.WatchIntervalSeconds < 10 {
		return fmt.Errorf("%w: watch_interval_seconds must be >= 10", ErrInvalid)
	}
	switch e.BackendType {
	case BackendFileBased, BackendServerV1, BackendServerV2, "":
	default:
		// Open enum: unknown backend types are accepted here and rejected
		// later by the factory if no BackendFactory has registered them.
	}
	if err := e.BackendConfig.Validate(e.BackendType); err != nil {
		return err
	}
	return nil
}

// Equal reports whether two entries are identical for idempotent-register
// purposes (deep field comparison, not pointer identity).
func (e DatabaseEntry) Equal(other DatabaseEntry) bool {
	return fmt.Sprintf("%+v", e) == fmt.Sprintf("%+v", other)
}
