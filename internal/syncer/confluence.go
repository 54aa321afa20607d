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

// ConfluenceConfig selects pages from a Confluence space.
type ConfluenceConfig struct {
	// BaseURL is the Confluence site, e.g. https://example.atlassian.net/wiki.
	BaseURL string `json:"base_url"`
	// Email and APIToken authenticate against Confluence Cloud.
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
	// SpaceKey restricts the export to one space.
	SpaceKey string `json:"space_key"`
}

// ConfluenceProvider exports pages as HTML files; the extractor strips
// the markup at index time.
type ConfluenceProvider struct{}

// Verify interface implementation at compile time.
var _ Provider = (*ConfluenceProvider)(nil)

// Kind returns the provider discriminator.
func (ConfluenceProvider) Kind() string { return KindConfluence }

func parseConfluenceConfig(raw json.RawMessage) (*ConfluenceConfig, error) {
	var cfg ConfluenceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse confluence config", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" || cfg.SpaceKey == "" {
		return nil, verrors.New(verrors.KindProviderFatal, "confluence base_url and space_key are required")
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "confluence email and api_token are required")
	}
	return &cfg, nil
}

func (ConfluenceProvider) headers(cfg *ConfluenceConfig) map[string]string {
	return map[string]string{"Authorization": basicAuthHeader(cfg.Email, cfg.APIToken)}
}

// Authorize validates the credentials by resolving the space.
func (p ConfluenceProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseConfluenceConfig(raw)
	if err != nil {
		return nil, err
	}
	var space struct {
		Key string `json:"key"`
	}
	err = getJSON(ctx, "confluence",
		fmt.Sprintf("%s/rest/api/space/%s", cfg.BaseURL, url.PathEscape(cfg.SpaceKey)),
		p.headers(cfg), &space)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// List exports every current page in the space. Page bodies arrive with
// the listing, so files hash exactly and unchanged pages skip their
// local write.
func (p ConfluenceProvider) List(ctx context.Context, raw json.RawMessage, _ json.RawMessage) (*Listing, error) {
	cfg, err := parseConfluenceConfig(raw)
	if err != nil {
		return nil, err
	}
	headers := p.headers(cfg)

	var files []RemoteFile
	start := 0
	for {
		q := url.Values{}
		q.Set("spaceKey", cfg.SpaceKey)
		q.Set("type", "page")
		q.Set("status", "current")
		q.Set("expand", "body.storage,version")
		q.Set("limit", "50")
		q.Set("start", fmt.Sprintf("%d", start))

		var page struct {
			Results []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
				Body  struct {
					Storage struct {
						Value string `json:"value"`
					} `json:"storage"`
				} `json:"body"`
				Version struct {
					Number int `json:"number"`
				} `json:"version"`
			} `json:"results"`
			Size  int `json:"size"`
			Limit int `json:"limit"`
		}
		if err := getJSON(ctx, "confluence", cfg.BaseURL+"/rest/api/content?"+q.Encode(), headers, &page); err != nil {
			return nil, err
		}

		for _, result := range page.Results {
			content := []byte(fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s</h1>%s</body></html>",
				result.Title, result.Title, result.Body.Storage.Value))
			sum := sha256.Sum256(content)
			files = append(files, RemoteFile{
				Path:     safeFileName(result.Title) + "-" + result.ID + ".html",
				Size:     int64(len(content)),
				Hash:     hex.EncodeToString(sum[:]),
				HashKind: HashSHA256,
				Fetch: func(ctx context.Context) (io.ReadCloser, error) {
					return io.NopCloser(bytes.NewReader(content)), nil
				},
			})
		}

		if page.Size < page.Limit || page.Size == 0 {
			break
		}
		start += page.Size
	}

	return &Listing{Files: files}, nil
}

// safeFileName strips characters that cannot appear in file names.
func safeFileName(title string) string {
	var sb strings.Builder
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			sb.WriteByte('-')
		default:
			sb.WriteRune(r)
		}
	}
	name := strings.TrimSpace(sb.String())
	if name == "" {
		name = "page"
	}
	return name
}
