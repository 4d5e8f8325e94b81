// Package linear provides the issue-tracker tool group.
package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/kazz187/taskpilot/internal/integration"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/tool"
)

const (
	SearchToolName = "search_linear_workspace"
	CreateToolName = "create_linear_issue"
)

type Config struct {
	AccessToken string
	APIURL      string
}

type searchInput struct {
	Query string `json:"query"`
}

type createInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TeamName    string `json:"team_name"`
}

type tools struct {
	client *Client
	rec    taskevent.Recorder
}

func Tools(cfg Config, rec taskevent.Recorder) []tool.Tool {
	t := &tools{client: NewClient(cfg.APIURL, cfg.AccessToken), rec: rec}
	return []tool.Tool{
		tool.New(SearchToolName, "Search the user's Linear workspace with a GraphQL query. Returns the raw JSON response.",
			tool.Object(map[string]*jsonschema.Schema{
				"query": tool.String("The GraphQL search query"),
			}, "query"),
			t.search),
		tool.New(CreateToolName, "Create a new issue in one of the user's Linear teams.",
			tool.Object(map[string]*jsonschema.Schema{
				"title":       tool.String("Title of the issue"),
				"description": tool.String("Markdown description of the issue"),
				"team_name":   tool.String("Name of the team to create the issue in"),
			}, "title", "description", "team_name"),
			t.create),
	}
}

func (t *tools) search(ctx context.Context, taskID string, in searchInput) tool.Result {
	raw, err := t.client.Raw(ctx, in.Query, nil)
	if err != nil {
		slog.ErrorContext(ctx, "linear search failed", "error", err)
		return tool.Errorf("Error searching Linear workspace: %v", err)
	}
	integration.Record(ctx, t.rec, taskID, SearchToolName, in.Query,
		fmt.Sprintf("Performed a Linear search and found %d results for query '%s'", countResults(raw), in.Query), false)
	return tool.Text(string(raw))
}

// countResults counts the entries of every connection's nodes list in a
// GraphQL response. Queries without connections count each non-null
// top-level field, or each element when the field is a list.
func countResults(raw []byte) int {
	var resp struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0
	}
	n, found := countNodes(resp.Data)
	if found {
		return n
	}
	for _, v := range resp.Data {
		switch v := v.(type) {
		case nil:
		case []any:
			n += len(v)
		default:
			n++
		}
	}
	return n
}

func countNodes(v any) (n int, found bool) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			if nodes, ok := child.([]any); ok && k == "nodes" {
				n += len(nodes)
				found = true
				continue
			}
			cn, cf := countNodes(child)
			n += cn
			found = found || cf
		}
	case []any:
		for _, child := range v {
			cn, cf := countNodes(child)
			n += cn
			found = found || cf
		}
	}
	return n, found
}

func (t *tools) create(ctx context.Context, taskID string, in createInput) tool.Result {
	issue, err := t.createIssue(ctx, in)
	if err != nil {
		slog.ErrorContext(ctx, "linear issue creation failed", "team", in.TeamName, "error", err)
		integration.Record(ctx, t.rec, taskID, CreateToolName, in.TeamName,
			fmt.Sprintf("Failed to create Linear issue '%s': %v", in.Title, err), false)
		return tool.Errorf("Error creating Linear issue: %v", err)
	}
	integration.Record(ctx, t.rec, taskID, CreateToolName, issue.Identifier,
		fmt.Sprintf("Created Linear issue [%s](%s) in team `%s`", issue.Title, issue.URL, in.TeamName), true)
	return tool.Text(fmt.Sprintf("Created a new Linear issue [%s](%s) in team `%s`", issue.Title, issue.URL, in.TeamName))
}

func (t *tools) createIssue(ctx context.Context, in createInput) (*Issue, error) {
	teamID, err := t.client.TeamIDByName(ctx, in.TeamName)
	if err != nil {
		return nil, err
	}
	return t.client.CreateIssue(ctx, teamID, in.Title, in.Description)
}
