// Copyright 2025 James Ross
package dispatcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridrag/hybridrag/internal/engine"
)

func TestServerCallRoundtrip(t *testing.T) {
	fake := engine.NewFake(8)
	d, _ := testDispatcher(t, fake, Config{})
	srv := NewServer(":0", d, AuditConfig{}, nil)

	body := strings.NewReader(`{"database":"proj1","query":"alpha"}`)
	req := httptest.NewRequest(http.MethodPost, "/tools/local-query", body)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Metadata.Error)
	require.Equal(t, "proj1", resp.Metadata.Footer.DatabaseName)
}

func TestServerUnknownToolIs400(t *testing.T) {
	d, _ := testDispatcher(t, engine.NewFake(8), Config{})
	srv := NewServer(":0", d, AuditConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/tools/nope", strings.NewReader(`{"database":"proj1"}`))
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, KindInputInvalid, resp.Metadata.Error.Kind)
	require.Equal(t, "proj1", resp.Metadata.Footer.DatabaseName)
}

func TestServerListsTools(t *testing.T) {
	d, _ := testDispatcher(t, engine.NewFake(8), Config{})
	srv := NewServer(":0", d, AuditConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tools []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tools))
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool["name"].(string)] = true
	}
	for _, want := range []string{"status", "health-check", "get-logs", "local-query", "extract-context", "global-query", "hybrid-query", "generic-query", "multihop-query"} {
		require.True(t, names[want], "missing tool %s", want)
	}
}
