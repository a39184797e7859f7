// Package github creates issues from approved tasks. Issue creation is
// best-effort: every failure is logged and reported as a nil issue, never
// surfaced to the approval flow.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stridehq/meetstream/internal/logging"
)

const apiBase = "https://api.github.com"

// Issue is the subset of the created issue the service records.
type Issue struct {
	URL    string `json:"html_url"`
	Number int    `json:"number"`
}

// IssueCreator creates an issue for an approved task. A nil issue with a
// nil error means the integration is not configured.
type IssueCreator interface {
	CreateIssue(ctx context.Context, title, body string) (*Issue, error)
}

// Client creates issues in a fixed repository over the REST API.
type Client struct {
	Token string
	Repo  string // "owner/name"

	HTTPClient *http.Client
}

// CreateIssue posts the issue. Titles are capped at 240 characters.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (*Issue, error) {
	if c.Repo == "" || c.Token == "" {
		logging.Warning(logging.CategoryGitHub, "issue creation skipped: repo or token not configured")
		return nil, nil
	}
	if title == "" {
		title = "Meeting task"
	}
	if len(title) > 240 {
		title = title[:240]
	}
	if body == "" {
		body = "Task created from a meeting recording."
	}

	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/repos/%s/issues", apiBase, c.Repo), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create issue: unexpected status %d", resp.StatusCode)
	}

	var issue Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return nil, fmt.Errorf("decode issue response: %w", err)
	}
	logging.Info(logging.CategoryGitHub, "issue created url=%s", issue.URL)
	return &issue, nil
}
