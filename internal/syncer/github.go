package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

const githubAPI = "https://api.github.com"

// GitHubConfig selects a repository subtree.
type GitHubConfig struct {
	// Repo is "owner/name".
	Repo string `json:"repo"`
	// Branch defaults to "main"; the repository's own default branch is
	// not consulted.
	Branch string `json:"branch"`
	// Path restricts the sync to a subtree of the repository.
	Path string `json:"path,omitempty"`
	// Token is a personal access token; empty works for public repos.
	Token string `json:"token,omitempty"`
}

// githubCursor records the last synced commit.
type githubCursor struct {
	SHA string `json:"sha"`
}

// GitHubProvider syncs a git repository branch via the GitHub REST API.
type GitHubProvider struct{}

// Verify interface implementation at compile time.
var _ Provider = (*GitHubProvider)(nil)

// Kind returns the provider discriminator.
func (GitHubProvider) Kind() string { return KindGitHub }

func (GitHubProvider) headers(cfg *GitHubConfig) map[string]string {
	h := map[string]string{"X-GitHub-Api-Version": "2022-11-28"}
	if cfg.Token != "" {
		h["Authorization"] = "Bearer " + cfg.Token
	}
	return h
}

func parseGitHubConfig(raw json.RawMessage) (*GitHubConfig, error) {
	var cfg GitHubConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse github config", err)
	}
	if cfg.Repo == "" || !strings.Contains(cfg.Repo, "/") {
		return nil, verrors.Newf(verrors.KindProviderFatal, "github repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &cfg, nil
}

// Authorize checks the token by resolving the repository.
func (p GitHubProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseGitHubConfig(raw)
	if err != nil {
		return nil, err
	}
	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	err = getJSON(ctx, "github", fmt.Sprintf("%s/repos/%s", githubAPI, cfg.Repo), p.headers(cfg), &repo)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// List enumerates the branch tree. When the branch head matches the
// cursor the listing short-circuits as unchanged.
func (p GitHubProvider) List(ctx context.Context, raw json.RawMessage, cursor json.RawMessage) (*Listing, error) {
	cfg, err := parseGitHubConfig(raw)
	if err != nil {
		return nil, err
	}
	headers := p.headers(cfg)

	var branch struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	err = getJSON(ctx, "github",
		fmt.Sprintf("%s/repos/%s/branches/%s", githubAPI, cfg.Repo, url.PathEscape(cfg.Branch)),
		headers, &branch)
	if err != nil {
		return nil, err
	}
	head := branch.Commit.SHA

	if cursor != nil {
		var prev githubCursor
		if json.Unmarshal(cursor, &prev) == nil && prev.SHA == head {
			return &Listing{Unchanged: true}, nil
		}
	}

	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	err = getJSON(ctx, "github",
		fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", githubAPI, cfg.Repo, head),
		headers, &tree)
	if err != nil {
		return nil, err
	}
	if tree.Truncated {
		return nil, verrors.New(verrors.KindProviderFatal,
			"repository tree too large for the trees API")
	}

	prefix := strings.Trim(cfg.Path, "/")
	var files []RemoteFile
	for _, entry := range tree.Tree {
		if entry.Type != "blob" {
			continue
		}
		rel := entry.Path
		if prefix != "" {
			if !strings.HasPrefix(rel, prefix+"/") && rel != prefix {
				continue
			}
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, prefix), "/")
			if rel == "" {
				rel = entry.Path[strings.LastIndex(entry.Path, "/")+1:]
			}
		}

		contentURL := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
			githubAPI, cfg.Repo, escapePath(entry.Path), head)
		files = append(files, RemoteFile{
			Path:     rel,
			Size:     entry.Size,
			Hash:     entry.SHA,
			HashKind: HashGitBlob,
			Fetch: func(ctx context.Context) (io.ReadCloser, error) {
				h := map[string]string{"Accept": "application/vnd.github.raw+json"}
				for k, v := range headers {
					h[k] = v
				}
				return openStream(ctx, "github", contentURL, h)
			},
		})
	}

	cursorOut, _ := json.Marshal(githubCursor{SHA: head})
	return &Listing{Files: files, Cursor: cursorOut}, nil
}

// ListBranches returns the repository's branch names for the UI picker.
func (p GitHubProvider) ListBranches(ctx context.Context, raw json.RawMessage) ([]string, error) {
	cfg, err := parseGitHubConfig(raw)
	if err != nil {
		return nil, err
	}
	var branches []struct {
		Name string `json:"name"`
	}
	err = getJSON(ctx, "github",
		fmt.Sprintf("%s/repos/%s/branches?per_page=100", githubAPI, cfg.Repo),
		p.headers(cfg), &branches)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(branches))
	for i, b := range branches {
		names[i] = b.Name
	}
	return names, nil
}

// escapePath escapes each path segment, keeping the separators.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
