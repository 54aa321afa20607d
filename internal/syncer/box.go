package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/oauth2"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

const boxAPI = "https://api.box.com/2.0"

// boxEndpoint is Box's OAuth 2.0 endpoint pair.
var boxEndpoint = oauth2.Endpoint{
	AuthURL:  "https://account.box.com/api/oauth2/authorize",
	TokenURL: "https://api.box.com/oauth2/token",
}

// BoxConfig selects a Box folder.
type BoxConfig struct {
	// FolderID is the Box folder to mirror ("0" is the root).
	FolderID string `json:"folder_id"`
	// ClientID and ClientSecret identify the OAuth application.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	// RedirectURL is the registered OAuth callback.
	RedirectURL string `json:"redirect_url,omitempty"`
	// Token is the exchanged OAuth token.
	Token *oauth2.Token `json:"token,omitempty"`
}

// BoxProvider mirrors a Box folder via the Box content API.
type BoxProvider struct{}

// Verify interface implementations at compile time.
var (
	_ Provider      = (*BoxProvider)(nil)
	_ OAuthProvider = (*BoxProvider)(nil)
)

// Kind returns the provider discriminator.
func (BoxProvider) Kind() string { return KindBox }

func parseBoxConfig(raw json.RawMessage) (*BoxConfig, error) {
	var cfg BoxConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse box config", err)
	}
	if cfg.FolderID == "" {
		cfg.FolderID = "0"
	}
	return &cfg, nil
}

// OAuthConfig builds the oauth2 config for the browser flow.
func (BoxProvider) OAuthConfig(raw json.RawMessage) (*oauth2.Config, error) {
	cfg, err := parseBoxConfig(raw)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     boxEndpoint,
	}, nil
}

// WithToken stores the exchanged token in the provider config.
func (p BoxProvider) WithToken(raw json.RawMessage, token *oauth2.Token) (json.RawMessage, error) {
	cfg, err := parseBoxConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.Token = token
	return json.Marshal(cfg)
}

// Authorize refreshes the OAuth token when possible.
func (p BoxProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseBoxConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "box is not connected")
	}

	oc, err := p.OAuthConfig(raw)
	if err != nil {
		return nil, err
	}
	fresh, err := oc.TokenSource(ctx, cfg.Token).Token()
	if err != nil {
		return nil, verrors.Wrap(verrors.KindProviderAuthRequired, "box token refresh failed", err)
	}
	if fresh.AccessToken == cfg.Token.AccessToken {
		return raw, nil
	}
	cfg.Token = fresh
	return json.Marshal(cfg)
}

// List walks the folder tree. Box reports a plain sha1 per file, which
// maps directly onto local change detection.
func (p BoxProvider) List(ctx context.Context, raw json.RawMessage, _ json.RawMessage) (*Listing, error) {
	cfg, err := parseBoxConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "box is not connected")
	}
	auth := map[string]string{"Authorization": "Bearer " + cfg.Token.AccessToken}

	type queueItem struct {
		id   string
		path string
	}
	queue := []queueItem{{id: cfg.FolderID, path: ""}}
	var files []RemoteFile

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		offset := 0
		for {
			var page struct {
				TotalCount int `json:"total_count"`
				Entries    []struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
					Size int64  `json:"size"`
					SHA1 string `json:"sha1"`
				} `json:"entries"`
			}
			url := fmt.Sprintf("%s/folders/%s/items?fields=type,id,name,size,sha1&limit=1000&offset=%d",
				boxAPI, item.id, offset)
			if err := getJSON(ctx, "box", url, auth, &page); err != nil {
				return nil, err
			}

			for _, entry := range page.Entries {
				childPath := entry.Name
				if item.path != "" {
					childPath = item.path + "/" + entry.Name
				}
				switch entry.Type {
				case "folder":
					queue = append(queue, queueItem{id: entry.ID, path: childPath})
				case "file":
					fileID := entry.ID
					files = append(files, RemoteFile{
						Path:     childPath,
						Size:     entry.Size,
						Hash:     entry.SHA1,
						HashKind: HashSHA1,
						Fetch: func(ctx context.Context) (io.ReadCloser, error) {
							return openStream(ctx, "box",
								fmt.Sprintf("%s/files/%s/content", boxAPI, fileID), auth)
						},
					})
				}
			}

			offset += len(page.Entries)
			if offset >= page.TotalCount || len(page.Entries) == 0 {
				break
			}
		}
	}

	return &Listing{Files: files}, nil
}
