package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

const graphAPI = "https://graph.microsoft.com/v1.0"

// SharePointConfig selects a drive within a SharePoint site.
type SharePointConfig struct {
	// SiteID is the Graph site identifier.
	SiteID string `json:"site_id"`
	// DriveID is the document library drive; empty uses the default.
	DriveID string `json:"drive_id,omitempty"`
	// TenantID scopes the OAuth endpoint.
	TenantID string `json:"tenant_id"`
	// ClientID and ClientSecret identify the OAuth application.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	// RedirectURL is the registered OAuth callback.
	RedirectURL string `json:"redirect_url,omitempty"`
	// Token is the exchanged OAuth token.
	Token *oauth2.Token `json:"token,omitempty"`
}

// SharePointProvider mirrors a document library via Microsoft Graph.
type SharePointProvider struct{}

// Verify interface implementations at compile time.
var (
	_ Provider      = (*SharePointProvider)(nil)
	_ OAuthProvider = (*SharePointProvider)(nil)
)

// Kind returns the provider discriminator.
func (SharePointProvider) Kind() string { return KindSharePoint }

func parseSharePointConfig(raw json.RawMessage) (*SharePointConfig, error) {
	var cfg SharePointConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse sharepoint config", err)
	}
	if cfg.SiteID == "" {
		return nil, verrors.New(verrors.KindProviderFatal, "sharepoint site_id is required")
	}
	return &cfg, nil
}

// OAuthConfig builds the oauth2 config for the browser flow.
func (SharePointProvider) OAuthConfig(raw json.RawMessage) (*oauth2.Config, error) {
	cfg, err := parseSharePointConfig(raw)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"offline_access", "Sites.Read.All", "Files.Read.All"},
		Endpoint:     microsoft.AzureADEndpoint(cfg.TenantID),
	}, nil
}

// WithToken stores the exchanged token in the provider config.
func (p SharePointProvider) WithToken(raw json.RawMessage, token *oauth2.Token) (json.RawMessage, error) {
	cfg, err := parseSharePointConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.Token = token
	return json.Marshal(cfg)
}

// Authorize refreshes the OAuth token when possible.
func (p SharePointProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseSharePointConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "sharepoint is not connected")
	}

	oc, err := p.OAuthConfig(raw)
	if err != nil {
		return nil, err
	}
	fresh, err := oc.TokenSource(ctx, cfg.Token).Token()
	if err != nil {
		return nil, verrors.Wrap(verrors.KindProviderAuthRequired, "sharepoint token refresh failed", err)
	}
	if fresh.AccessToken == cfg.Token.AccessToken {
		return raw, nil
	}
	cfg.Token = fresh
	return json.Marshal(cfg)
}

type driveItem struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Size   int64     `json:"size"`
	Folder *struct{} `json:"folder"`
	File   *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

// List walks the drive tree via the children endpoint. Graph exposes
// only proprietary content hashes, so change detection falls back to
// size comparison.
func (p SharePointProvider) List(ctx context.Context, raw json.RawMessage, _ json.RawMessage) (*Listing, error) {
	cfg, err := parseSharePointConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "sharepoint is not connected")
	}
	auth := map[string]string{"Authorization": "Bearer " + cfg.Token.AccessToken}

	drive := cfg.DriveID
	if drive == "" {
		var defaultDrive struct {
			ID string `json:"id"`
		}
		err := getJSON(ctx, "sharepoint",
			fmt.Sprintf("%s/sites/%s/drive", graphAPI, cfg.SiteID), auth, &defaultDrive)
		if err != nil {
			return nil, err
		}
		drive = defaultDrive.ID
	}

	type queueItem struct {
		itemID string
		path   string
	}
	queue := []queueItem{{itemID: "root", path: ""}}
	var files []RemoteFile

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		next := fmt.Sprintf("%s/drives/%s/items/%s/children", graphAPI, drive, item.itemID)
		for next != "" {
			var page struct {
				Value    []driveItem `json:"value"`
				NextLink string      `json:"@odata.nextLink"`
			}
			if err := getJSON(ctx, "sharepoint", next, auth, &page); err != nil {
				return nil, err
			}

			for _, child := range page.Value {
				childPath := child.Name
				if item.path != "" {
					childPath = item.path + "/" + child.Name
				}
				if child.Folder != nil {
					queue = append(queue, queueItem{itemID: child.ID, path: childPath})
					continue
				}
				if child.File == nil {
					continue
				}

				itemID := child.ID
				files = append(files, RemoteFile{
					Path:     childPath,
					Size:     child.Size,
					HashKind: HashNone,
					Fetch: func(ctx context.Context) (io.ReadCloser, error) {
						return openStream(ctx, "sharepoint",
							fmt.Sprintf("%s/drives/%s/items/%s/content", graphAPI, drive, itemID), auth)
					},
				})
			}
			next = page.NextLink
		}
	}

	return &Listing{Files: files}, nil
}
