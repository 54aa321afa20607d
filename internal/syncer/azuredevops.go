package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// AzureDevOpsConfig selects a git repository in an Azure DevOps project.
type AzureDevOpsConfig struct {
	// Organization is the DevOps organization name.
	Organization string `json:"organization"`
	// Project is the project name.
	Project string `json:"project"`
	// Repo is the repository name.
	Repo string `json:"repo"`
	// Branch defaults to main.
	Branch string `json:"branch"`
	// PAT is a personal access token with code read scope.
	PAT string `json:"pat"`
}

// AzureDevOpsProvider syncs a repository via the Azure DevOps git API.
type AzureDevOpsProvider struct{}

// Verify interface implementation at compile time.
var _ Provider = (*AzureDevOpsProvider)(nil)

// Kind returns the provider discriminator.
func (AzureDevOpsProvider) Kind() string { return KindAzureDevOps }

func parseAzureConfig(raw json.RawMessage) (*AzureDevOpsConfig, error) {
	var cfg AzureDevOpsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse azure devops config", err)
	}
	if cfg.Organization == "" || cfg.Project == "" || cfg.Repo == "" {
		return nil, verrors.New(verrors.KindProviderFatal,
			"azure devops organization, project and repo are required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.PAT == "" {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "azure devops PAT is required")
	}
	return &cfg, nil
}

func (AzureDevOpsProvider) baseURL(cfg *AzureDevOpsConfig) string {
	return fmt.Sprintf("https://dev.azure.com/%s/%s/_apis/git/repositories/%s",
		url.PathEscape(cfg.Organization), url.PathEscape(cfg.Project), url.PathEscape(cfg.Repo))
}

func (AzureDevOpsProvider) headers(cfg *AzureDevOpsConfig) map[string]string {
	return map[string]string{"Authorization": basicAuthHeader("", cfg.PAT)}
}

// Authorize validates the PAT by resolving the repository.
func (p AzureDevOpsProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseAzureConfig(raw)
	if err != nil {
		return nil, err
	}
	var repo struct {
		ID string `json:"id"`
	}
	if err := getJSON(ctx, "azure devops", p.baseURL(cfg)+"?api-version=7.1", p.headers(cfg), &repo); err != nil {
		return nil, err
	}
	return raw, nil
}

// List enumerates the branch tree. Item objectIds are git blob hashes,
// so local change detection matches git semantics.
func (p AzureDevOpsProvider) List(ctx context.Context, raw json.RawMessage, cursor json.RawMessage) (*Listing, error) {
	cfg, err := parseAzureConfig(raw)
	if err != nil {
		return nil, err
	}
	headers := p.headers(cfg)
	base := p.baseURL(cfg)

	var items struct {
		Value []struct {
			Path          string `json:"path"`
			ObjectID      string `json:"objectId"`
			GitObjectType string `json:"gitObjectType"`
			Size          int64  `json:"size"`
		} `json:"value"`
	}
	listURL := fmt.Sprintf(
		"%s/items?recursionLevel=Full&versionDescriptor.version=%s&versionDescriptor.versionType=branch&api-version=7.1",
		base, url.QueryEscape(cfg.Branch))
	if err := getJSON(ctx, "azure devops", listURL, headers, &items); err != nil {
		return nil, err
	}

	var files []RemoteFile
	for _, item := range items.Value {
		if item.GitObjectType != "blob" {
			continue
		}
		rel, perr := normalizeAzurePath(item.Path)
		if perr != nil {
			continue
		}

		itemPath := item.Path
		files = append(files, RemoteFile{
			Path:     rel,
			Size:     item.Size,
			Hash:     item.ObjectID,
			HashKind: HashGitBlob,
			Fetch: func(ctx context.Context) (io.ReadCloser, error) {
				downloadURL := fmt.Sprintf(
					"%s/items?path=%s&versionDescriptor.version=%s&versionDescriptor.versionType=branch&$format=octetStream&api-version=7.1",
					base, url.QueryEscape(itemPath), url.QueryEscape(cfg.Branch))
				return openStream(ctx, "azure devops", downloadURL, headers)
			},
		})
	}

	return &Listing{Files: files}, nil
}

// normalizeAzurePath strips the leading slash the items API reports.
func normalizeAzurePath(p string) (string, error) {
	if len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	return p, nil
}
