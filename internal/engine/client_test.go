// Copyright 2025 James Ross
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hybridrag/hybridrag/internal/classifier"
)

func TestClientInsertAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/insert":
			json.NewEncoder(w).Encode(map[string]int{"chunks_inserted": 2, "graph_edges": 1})
		case "/query":
			var req map[string]interface{}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"answer": "found " + req["query"].(string),
				"raw":    map[string]interface{}{"mode": req["mode"]},
			})
		case "/embedding-dim":
			json.NewEncoder(w).Encode(map[string]int{"dim": 768})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	res, err := c.Insert(context.Background(), classifier.TierEnriched, []classifier.Chunk{{Text: "alpha"}, {Text: "beta"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunksInserted != 2 || res.GraphEdges != 1 {
		t.Fatalf("unexpected insert result %+v", res)
	}

	qr, err := c.Query(context.Background(), QueryParams{Mode: "local", Query: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if qr.Answer != "found alpha" {
		t.Fatalf("unexpected answer %q", qr.Answer)
	}
	if qr.Raw["mode"] != "local" {
		t.Fatalf("expected raw mode to round-trip, got %v", qr.Raw)
	}

	dim, err := c.EmbeddingDim(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dim != 768 {
		t.Fatalf("expected dim 768, got %d", dim)
	}
}

func TestClientStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusBadRequest, KindPermanent},
		{http.StatusUnprocessableEntity, KindPermanent},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "engine said no", tc.status)
		}))
		c := NewClient(ClientConfig{BaseURL: srv.URL})
		_, err := c.Query(context.Background(), QueryParams{Mode: "local", Query: "q"})
		srv.Close()
		var engErr *Error
		if !errors.As(err, &engErr) {
			t.Fatalf("status %d: expected *Error, got %v", tc.status, err)
		}
		if engErr.Kind != tc.kind {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.kind, engErr.Kind)
		}
	}
}

func TestClientUnreachableIsBackendUnavailable(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Query(context.Background(), QueryParams{Mode: "local", Query: "q"})
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if engErr.Kind != KindBackendUnavailable {
		t.Fatalf("expected backend-unavailable, got %s", engErr.Kind)
	}
}
