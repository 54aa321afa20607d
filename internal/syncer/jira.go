package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// JiraConfig selects issues from a Jira project.
type JiraConfig struct {
	// BaseURL is the Jira site, e.g. https://example.atlassian.net.
	BaseURL string `json:"base_url"`
	// Email and APIToken authenticate against Jira Cloud.
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
	// JQL selects the issues; defaults to the whole project when
	// ProjectKey is set.
	JQL        string `json:"jql,omitempty"`
	ProjectKey string `json:"project_key,omitempty"`
}

// JiraProvider exports issues as markdown files, one per issue.
type JiraProvider struct{}

// Verify interface implementation at compile time.
var _ Provider = (*JiraProvider)(nil)

// Kind returns the provider discriminator.
func (JiraProvider) Kind() string { return KindJira }

func parseJiraConfig(raw json.RawMessage) (*JiraConfig, error) {
	var cfg JiraConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse jira config", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return nil, verrors.New(verrors.KindProviderFatal, "jira base_url is required")
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "jira email and api_token are required")
	}
	if cfg.JQL == "" {
		if cfg.ProjectKey == "" {
			return nil, verrors.New(verrors.KindProviderFatal, "jira jql or project_key is required")
		}
		cfg.JQL = fmt.Sprintf("project = %s ORDER BY key", cfg.ProjectKey)
	}
	return &cfg, nil
}

func (JiraProvider) headers(cfg *JiraConfig) map[string]string {
	return map[string]string{"Authorization": basicAuthHeader(cfg.Email, cfg.APIToken)}
}

// Authorize validates the credentials with a cheap call.
func (p JiraProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseJiraConfig(raw)
	if err != nil {
		return nil, err
	}
	var me struct {
		AccountID string `json:"accountId"`
	}
	if err := getJSON(ctx, "jira", cfg.BaseURL+"/rest/api/2/myself", p.headers(cfg), &me); err != nil {
		return nil, err
	}
	return raw, nil
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Updated string `json:"updated"`
	} `json:"fields"`
}

// List renders each matching issue into an in-memory markdown document.
// Content is built at plan time, so the hash is an exact sha256 and
// unchanged issues skip their local write.
func (p JiraProvider) List(ctx context.Context, raw json.RawMessage, _ json.RawMessage) (*Listing, error) {
	cfg, err := parseJiraConfig(raw)
	if err != nil {
		return nil, err
	}
	headers := p.headers(cfg)

	var files []RemoteFile
	startAt := 0
	for {
		q := url.Values{}
		q.Set("jql", cfg.JQL)
		q.Set("fields", "summary,description,status,issuetype,updated")
		q.Set("maxResults", "100")
		q.Set("startAt", fmt.Sprintf("%d", startAt))

		var page struct {
			Issues []jiraIssue `json:"issues"`
			Total  int         `json:"total"`
		}
		if err := getJSON(ctx, "jira", cfg.BaseURL+"/rest/api/2/search?"+q.Encode(), headers, &page); err != nil {
			return nil, err
		}

		for _, issue := range page.Issues {
			content := renderJiraIssue(issue)
			sum := sha256.Sum256(content)
			files = append(files, RemoteFile{
				Path:     issue.Key + ".md",
				Size:     int64(len(content)),
				Hash:     hex.EncodeToString(sum[:]),
				HashKind: HashSHA256,
				Fetch: func(ctx context.Context) (io.ReadCloser, error) {
					return io.NopCloser(bytes.NewReader(content)), nil
				},
			})
		}

		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			break
		}
	}

	return &Listing{Files: files}, nil
}

// renderJiraIssue flattens an issue into a searchable markdown document.
func renderJiraIssue(issue jiraIssue) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s: %s\n\n", issue.Key, issue.Fields.Summary)
	if issue.Fields.Status.Name != "" {
		fmt.Fprintf(&sb, "Status: %s\n", issue.Fields.Status.Name)
	}
	if issue.Fields.Updated != "" {
		fmt.Fprintf(&sb, "Updated: %s\n", issue.Fields.Updated)
	}
	if issue.Fields.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(issue.Fields.Description)
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}
