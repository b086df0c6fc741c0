package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/config"
)

func TestLogAnalyticsClient_FetchLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workspaces/ws-1/query", r.URL.Path)
		assert.Equal(t, "Bearer la-token", r.Header.Get("Authorization"))

		var req logQueryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "ContainerGroup_s == 'auto-archiver-job-1'")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tables":[{"rows":[
			["2024-01-01T00:00:00Z","starting"],
			["2024-01-01T00:00:05Z","done"],
			["short"]
		]}]}`))
	}))
	defer srv.Close()

	c := NewLogAnalyticsClient(&config.LogAnalyticsConfig{BaseURL: srv.URL, WorkspaceID: "ws-1", AccessToken: "la-token"})
	require.True(t, c.IsConfigured())

	logs, err := c.FetchLogs(context.Background(), "auto-archiver-job-1")
	require.NoError(t, err)
	assert.Equal(t, "[2024-01-01T00:00:00Z] starting\n[2024-01-01T00:00:05Z] done\n", logs)
}

func TestLogAnalyticsClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewLogAnalyticsClient(&config.LogAnalyticsConfig{BaseURL: srv.URL, WorkspaceID: "ws-1", AccessToken: "t"})
	_, err := c.FetchLogs(context.Background(), "g")
	assert.ErrorContains(t, err, "status 403")
}

func TestContainerLogQuery_StripsQuotes(t *testing.T) {
	q := ContainerLogQuery("a'b")
	assert.Contains(t, q, "== 'ab'")
	assert.NotContains(t, q, "a'b")
}

func TestLogAnalyticsClient_NoTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tables":[]}`))
	}))
	defer srv.Close()

	c := NewLogAnalyticsClient(&config.LogAnalyticsConfig{BaseURL: srv.URL, WorkspaceID: "ws-1", AccessToken: "t"})
	logs, err := c.FetchLogs(context.Background(), "g")
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.False(t, NewLogAnalyticsClient(&config.LogAnalyticsConfig{}).IsConfigured())
}
