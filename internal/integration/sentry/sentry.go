// Package sentry provides the error-tracker tool group.
package sentry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/kazz187/taskpilot/internal/integration"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/tool"
)

const (
	SearchToolName = "search_sentry_issues"
	EventsToolName = "get_sentry_events"
)

// eventTags are copied into event listings when present.
var eventTags = []string{"environment", "server_name", "release"}

type Config struct {
	AuthToken    string
	Organization string
	APIURL       string
}

type searchInput struct {
	Query       string `json:"query"`
	ProjectSlug string `json:"project_slug"`
}

type eventsInput struct {
	IssueID string `json:"issue_id"`
}

type tools struct {
	client *Client
	rec    taskevent.Recorder
}

func Tools(cfg Config, rec taskevent.Recorder) []tool.Tool {
	t := &tools{client: NewClient(cfg.APIURL, cfg.AuthToken, cfg.Organization), rec: rec}
	return []tool.Tool{
		tool.New(SearchToolName, "Search Sentry issues based on a query.",
			tool.Object(map[string]*jsonschema.Schema{
				"query":        tool.String("Query to search Sentry issues"),
				"project_slug": tool.String("Slug of the Sentry project to search"),
			}, "query", "project_slug"),
			t.search),
		tool.New(EventsToolName, "Get events for a specific Sentry issue ID.",
			tool.Object(map[string]*jsonschema.Schema{
				"issue_id": tool.String("ID of the Sentry issue to get events for"),
			}, "issue_id"),
			t.events),
	}
}

func (t *tools) search(ctx context.Context, taskID string, in searchInput) tool.Result {
	issues, err := t.client.SearchIssues(ctx, in.Query, in.ProjectSlug)
	if err != nil {
		slog.ErrorContext(ctx, "sentry search failed", "project", in.ProjectSlug, "error", err)
		return tool.Errorf("Error searching Sentry issues: %v", err)
	}
	integration.Record(ctx, t.rec, taskID, SearchToolName, in.Query,
		fmt.Sprintf("Searched for Sentry issues and found %d matches for query '%s'", len(issues), in.Query), false)

	if len(issues) == 0 {
		return tool.Text(fmt.Sprintf("No issues found matching the query '%s'.", in.Query))
	}
	var b strings.Builder
	b.WriteString("---\n")
	for _, is := range issues {
		fmt.Fprintf(&b, "Title: %s\nID: %s\nURL: %s\nStatus: %s\nCount: %s\nFirst Seen: %s\nLast Seen: %s\n---\n",
			is.Title, is.ID, is.Permalink, is.Status, is.Count, is.FirstSeen, is.LastSeen)
	}
	return tool.Text(fmt.Sprintf("Found %d issues matching the query '%s':\n\n%s", len(issues), in.Query, b.String()))
}

func (t *tools) events(ctx context.Context, taskID string, in eventsInput) tool.Result {
	events, err := t.client.Events(ctx, in.IssueID)
	if err != nil {
		slog.ErrorContext(ctx, "sentry events lookup failed", "issue_id", in.IssueID, "error", err)
		return tool.Errorf("Error retrieving events for issue ID '%s': %v", in.IssueID, err)
	}
	integration.Record(ctx, t.rec, taskID, EventsToolName, in.IssueID,
		fmt.Sprintf("Retrieved %d events for issue ID '%s'", len(events), in.IssueID), false)

	if len(events) == 0 {
		return tool.Text(fmt.Sprintf("No events found for issue ID '%s'.", in.IssueID))
	}
	var b strings.Builder
	b.WriteString("---\n")
	for _, e := range events {
		fmt.Fprintf(&b, "Timestamp: %s\nMessage: %s\nLocation: %s\nCulprit: %s\n", e.DateCreated, e.Message, e.Location, e.Culprit)
		for _, key := range eventTags {
			if v, ok := e.Tag(key); ok {
				fmt.Fprintf(&b, "%s: %s\n", capitalize(key), v)
			}
		}
		b.WriteString("---\n")
	}
	return tool.Text(fmt.Sprintf("Found %d events for issue ID '%s':\n\n%s", len(events), in.IssueID, b.String()))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
