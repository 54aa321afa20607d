package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

const driveAPI = "https://www.googleapis.com/drive/v3"

// GoogleDriveConfig selects a Drive folder.
type GoogleDriveConfig struct {
	// FolderID is the Drive folder to mirror.
	FolderID string `json:"folder_id"`
	// ClientID and ClientSecret identify the OAuth application.
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	// RedirectURL is the registered OAuth callback.
	RedirectURL string `json:"redirect_url,omitempty"`
	// Token is the exchanged OAuth token.
	Token *oauth2.Token `json:"token,omitempty"`
}

// GoogleDriveProvider mirrors a Drive folder via the Drive v3 API.
type GoogleDriveProvider struct{}

// Verify interface implementations at compile time.
var (
	_ Provider      = (*GoogleDriveProvider)(nil)
	_ OAuthProvider = (*GoogleDriveProvider)(nil)
)

// Kind returns the provider discriminator.
func (GoogleDriveProvider) Kind() string { return KindGoogleDrive }

func parseDriveConfig(raw json.RawMessage) (*GoogleDriveConfig, error) {
	var cfg GoogleDriveConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "parse google drive config", err)
	}
	if cfg.FolderID == "" {
		return nil, verrors.New(verrors.KindProviderFatal, "google drive folder_id is required")
	}
	return &cfg, nil
}

// OAuthConfig builds the oauth2 config for the browser flow.
func (GoogleDriveProvider) OAuthConfig(raw json.RawMessage) (*oauth2.Config, error) {
	cfg, err := parseDriveConfig(raw)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"https://www.googleapis.com/auth/drive.readonly"},
		Endpoint:     google.Endpoint,
	}, nil
}

// WithToken stores the exchanged token in the provider config.
func (p GoogleDriveProvider) WithToken(raw json.RawMessage, token *oauth2.Token) (json.RawMessage, error) {
	cfg, err := parseDriveConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.Token = token
	return json.Marshal(cfg)
}

// Authorize refreshes the OAuth token when possible; a missing or
// unrefreshable token asks the UI for a reconnect.
func (p GoogleDriveProvider) Authorize(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	cfg, err := parseDriveConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "google drive is not connected")
	}

	oc, err := p.OAuthConfig(raw)
	if err != nil {
		return nil, err
	}
	fresh, err := oc.TokenSource(ctx, cfg.Token).Token()
	if err != nil {
		return nil, verrors.Wrap(verrors.KindProviderAuthRequired, "google drive token refresh failed", err)
	}
	if fresh.AccessToken == cfg.Token.AccessToken {
		return raw, nil
	}
	cfg.Token = fresh
	return json.Marshal(cfg)
}

type driveFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	MD5Checksum string `json:"md5Checksum"`
	Size        string `json:"size"`
}

const driveFolderMIME = "application/vnd.google-apps.folder"

// List walks the folder tree breadth-first. Native Google Docs formats
// have no binary content and are skipped; regular files carry an md5
// for change detection.
func (p GoogleDriveProvider) List(ctx context.Context, raw json.RawMessage, _ json.RawMessage) (*Listing, error) {
	cfg, err := parseDriveConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "google drive is not connected")
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

		pageToken := ""
		for {
			q := url.Values{}
			q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", item.id))
			q.Set("fields", "nextPageToken, files(id, name, mimeType, md5Checksum, size)")
			q.Set("pageSize", "1000")
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}

			var page struct {
				NextPageToken string      `json:"nextPageToken"`
				Files         []driveFile `json:"files"`
			}
			if err := getJSON(ctx, "google drive", driveAPI+"/files?"+q.Encode(), auth, &page); err != nil {
				return nil, err
			}

			for _, f := range page.Files {
				childPath := f.Name
				if item.path != "" {
					childPath = item.path + "/" + f.Name
				}
				if f.MimeType == driveFolderMIME {
					queue = append(queue, queueItem{id: f.ID, path: childPath})
					continue
				}
				if f.MD5Checksum == "" {
					// Native Docs/Sheets/Slides: no binary content.
					continue
				}

				fileID := f.ID
				size := int64(-1)
				fmt.Sscanf(f.Size, "%d", &size)
				files = append(files, RemoteFile{
					Path:     childPath,
					Size:     size,
					Hash:     f.MD5Checksum,
					HashKind: HashMD5,
					Fetch: func(ctx context.Context) (io.ReadCloser, error) {
						return openStream(ctx, "google drive",
							fmt.Sprintf("%s/files/%s?alt=media", driveAPI, fileID), auth)
					},
				})
			}

			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}

	return &Listing{Files: files}, nil
}

// ListFolders returns the folders directly under the given parent (or
// the Drive root) for the UI picker.
func (p GoogleDriveProvider) ListFolders(ctx context.Context, raw json.RawMessage, parent string) ([]map[string]string, error) {
	cfg, err := parseDriveConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Token == nil {
		return nil, verrors.New(verrors.KindProviderAuthRequired, "google drive is not connected")
	}
	if parent == "" {
		parent = "root"
	}
	auth := map[string]string{"Authorization": "Bearer " + cfg.Token.AccessToken}

	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and mimeType = '%s' and trashed = false", parent, driveFolderMIME))
	q.Set("fields", "files(id, name)")
	q.Set("pageSize", "1000")

	var page struct {
		Files []driveFile `json:"files"`
	}
	if err := getJSON(ctx, "google drive", driveAPI+"/files?"+q.Encode(), auth, &page); err != nil {
		return nil, err
	}

	out := make([]map[string]string, len(page.Files))
	for i, f := range page.Files {
		out[i] = map[string]string{"id": f.ID, "name": f.Name}
	}
	return out, nil
}
