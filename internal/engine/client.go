// Copyright 2025 James Ross
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hybridrag/hybridrag/internal/classifier"
)

// ClientConfig locates the engine service this module drives. The
// engine owns graph construction, embedding and query evaluation; this
// client only moves requests and responses across that boundary.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the HTTP implementation of Engine.
type Client struct {
	base string
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type insertRequest struct {
	Tier   string          `json:"tier"`
	Chunks []insertChunk   `json:"chunks"`
}

type insertChunk struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type insertResponse struct {
	ChunksInserted int `json:"chunks_inserted"`
	GraphEdges     int `json:"graph_edges"`
}

func (c *Client) Insert(ctx context.Context, tier classifier.Tier, chunks []classifier.Chunk) (InsertResult, error) {
	req := insertRequest{Tier: string(tier)}
	for _, ch := range chunks {
		req.Chunks = append(req.Chunks, insertChunk{
			Text: ch.Text,
			Metadata: map[string]string{
				"source_path": ch.Metadata.SourcePath,
				"project_tag": ch.Metadata.ProjectTag,
				"pipeline":    ch.Metadata.PipelineName,
				"role":        ch.Metadata.Role,
			},
		})
	}
	var resp insertResponse
	if err := c.post(ctx, "/insert", req, &resp); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{ChunksInserted: resp.ChunksInserted, GraphEdges: resp.GraphEdges}, nil
}

type queryRequest struct {
	Tier         string   `json:"tier"`
	Mode         string   `json:"mode"`
	Query        string   `json:"query"`
	ContextSeeds []string `json:"context_seeds,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
}

type queryResponse struct {
	Answer string                 `json:"answer"`
	Raw    map[string]interface{} `json:"raw"`
}

func (c *Client) Query(ctx context.Context, params QueryParams) (QueryResult, error) {
	var resp queryResponse
	err := c.post(ctx, "/query", queryRequest{
		Tier:         params.Tier,
		Mode:         params.Mode,
		Query:        params.Query,
		ContextSeeds: params.ContextSeeds,
		MaxResults:   params.MaxResults,
	}, &resp)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Answer: resp.Answer, Raw: resp.Raw}, nil
}

func (c *Client) EmbeddingDim(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/embedding-dim", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindBackendUnavailable, Diagnosis: "engine unreachable", Cause: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, errorFromStatus(res)
	}
	var out struct {
		Dim int `json:"dim"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, &Error{Kind: KindTransient, Diagnosis: "malformed engine response", Cause: err}
	}
	return out.Dim, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindPermanent, Diagnosis: "encode request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindBackendUnavailable, Diagnosis: "engine unreachable", Cause: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errorFromStatus(res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Diagnosis: "malformed engine response", Cause: err}
	}
	return nil
}

// errorFromStatus maps the engine's HTTP failures onto the taxonomy:
// 4xx is malformed input or a shape mismatch the retry loop must not
// touch; 429 and 5xx are worth retrying.
func errorFromStatus(res *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	diagnosis := strings.TrimSpace(string(snippet))
	if diagnosis == "" {
		diagnosis = res.Status
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindTransient, Diagnosis: diagnosis}
	case res.StatusCode >= 500:
		return &Error{Kind: KindTransient, Diagnosis: diagnosis}
	case res.StatusCode >= 400:
		return &Error{Kind: KindPermanent, Diagnosis: diagnosis}
	default:
		return &Error{Kind: KindTransient, Diagnosis: fmt.Sprintf("unexpected engine status %d", res.StatusCode)}
	}
}
