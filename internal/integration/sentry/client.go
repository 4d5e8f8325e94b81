package sentry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://sentry.io/api/0"

type Client struct {
	apiURL     string
	token      string
	org        string
	httpClient *http.Client
}

func NewClient(apiURL, token, org string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		token:      token,
		org:        org,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type Issue struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
	Status    string `json:"status"`
	Count     string `json:"count"`
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
}

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Event struct {
	ID          string `json:"id"`
	DateCreated string `json:"dateCreated"`
	Message     string `json:"message"`
	Location    string `json:"location"`
	Culprit     string `json:"culprit"`
	Tags        []Tag  `json:"tags"`
}

func (e *Event) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

func (c *Client) SearchIssues(ctx context.Context, query, project string) ([]Issue, error) {
	u := fmt.Sprintf("%s/projects/%s/%s/issues/?query=%s",
		c.apiURL, url.PathEscape(c.org), url.PathEscape(project), url.QueryEscape(query))
	var issues []Issue
	if err := c.get(ctx, u, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Client) Events(ctx context.Context, issueID string) ([]Event, error) {
	u := fmt.Sprintf("%s/organizations/%s/issues/%s/events/", c.apiURL, url.PathEscape(c.org), url.PathEscape(issueID))
	var events []Event
	if err := c.get(ctx, u, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s for url: %s: %s", resp.Status, req.URL.Redacted(), strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sentry response: %w", err)
	}
	return nil
}
