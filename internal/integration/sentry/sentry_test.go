package sentry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/integration"
	"github.com/kazz187/taskpilot/internal/tool"
)

func fakeSentry(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/acme/web/issues/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if r.URL.Query().Get("query") == "is:unresolved" {
			_, _ = w.Write([]byte(`[{"id":"42","title":"TypeError","permalink":"https://sentry.io/issues/42/","status":"unresolved","count":"7","firstSeen":"2024-01-01T00:00:00Z","lastSeen":"2024-01-02T00:00:00Z"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("GET /organizations/acme/issues/42/events/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"e1","dateCreated":"2024-01-02T00:00:00Z","message":"boom","location":"app.js","culprit":"handler","tags":[{"key":"environment","value":"prod"},{"key":"level","value":"error"}]}]`))
	})
	mux.HandleFunc("GET /organizations/acme/issues/404/events/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func invoke(t *testing.T, tl tool.Tool, args map[string]string) tool.Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return tl.Invoke(context.Background(), tool.Call{TaskID: "task-1", Arguments: raw})
}

func newTools(t *testing.T, rec *integration.MemoryRecorder) []tool.Tool {
	t.Helper()
	srv := fakeSentry(t)
	return Tools(Config{AuthToken: "tok", Organization: "acme", APIURL: srv.URL}, rec)
}

func TestSearchIssues(t *testing.T) {
	rec := &integration.MemoryRecorder{}
	tools := newTools(t, rec)

	res := invoke(t, tools[0], map[string]string{"query": "is:unresolved", "project_slug": "web"})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "Found 1 issues matching the query 'is:unresolved':")
	assert.Contains(t, res.Text, "Title: TypeError\nID: 42\nURL: https://sentry.io/issues/42/\nStatus: unresolved\nCount: 7\n")

	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "Searched for Sentry issues and found 1 matches for query 'is:unresolved'", rec.Events()[0].Message)
}

func TestSearchIssuesEmpty(t *testing.T) {
	rec := &integration.MemoryRecorder{}
	tools := newTools(t, rec)

	res := invoke(t, tools[0], map[string]string{"query": "nothing", "project_slug": "web"})
	assert.Equal(t, "No issues found matching the query 'nothing'.", res.Text)
	assert.Len(t, rec.Events(), 1)
}

func TestGetEvents(t *testing.T) {
	rec := &integration.MemoryRecorder{}
	tools := newTools(t, rec)

	res := invoke(t, tools[1], map[string]string{"issue_id": "42"})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, "Found 1 events for issue ID '42':")
	assert.Contains(t, res.Text, "Message: boom\nLocation: app.js\nCulprit: handler\nEnvironment: prod\n")
	assert.NotContains(t, res.Text, "Level")
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "42", rec.Events()[0].Target)
}

func TestGetEventsError(t *testing.T) {
	rec := &integration.MemoryRecorder{}
	tools := newTools(t, rec)

	res := invoke(t, tools[1], map[string]string{"issue_id": "404"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "Error retrieving events for issue ID '404': 404 Not Found")
	assert.Empty(t, rec.Events())
}
