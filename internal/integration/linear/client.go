package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.linear.app/graphql"

// Client posts GraphQL documents to Linear.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

func NewClient(apiURL, token string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:     apiURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// Err returns the first GraphQL error, if any.
func (r *graphQLResponse) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return errors.New(r.Errors[0].Message)
}

// Raw runs query and returns the response body unmodified.
func (c *Client) Raw(ctx context.Context, query string, vars map[string]any) ([]byte, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization(c.token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	// GraphQL errors come back as 200 or 400 with an errors list.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("linear returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Do runs query and decodes its data into out.
func (c *Client) Do(ctx context.Context, query string, vars map[string]any, out any) error {
	raw, err := c.Raw(ctx, query, vars)
	if err != nil {
		return err
	}
	var resp graphQLResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to decode linear response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

// OAuth tokens need the Bearer scheme; personal API keys ("lin_api_")
// are sent bare.
func authorization(token string) string {
	if strings.HasPrefix(token, "lin_api_") {
		return token
	}
	return "Bearer " + token
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TeamIDByName resolves a team by case-insensitive exact name.
func (c *Client) TeamIDByName(ctx context.Context, name string) (string, error) {
	var out struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.Do(ctx, `{ teams { nodes { id name } } }`, nil, &out); err != nil {
		return "", err
	}
	for _, t := range out.Teams.Nodes {
		if strings.EqualFold(t.Name, name) {
			return t.ID, nil
		}
	}
	return "", &TeamNotFoundError{Name: name}
}

// TeamNotFoundError is reported to the agent as is.
type TeamNotFoundError struct {
	Name string
}

func (e *TeamNotFoundError) Error() string {
	return fmt.Sprintf("No team found with the name '%s'", e.Name)
}

type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	URL        string `json:"url"`
}

const issueCreateMutation = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) {
    success
    issue { id identifier title url }
  }
}`

func (c *Client) CreateIssue(ctx context.Context, teamID, title, description string) (*Issue, error) {
	var out struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	vars := map[string]any{"input": map[string]any{
		"teamId":      teamID,
		"title":       title,
		"description": description,
	}}
	if err := c.Do(ctx, issueCreateMutation, vars, &out); err != nil {
		return nil, err
	}
	if out.IssueCreate.Issue == nil {
		return nil, errors.New("issue was not created")
	}
	return out.IssueCreate.Issue, nil
}
