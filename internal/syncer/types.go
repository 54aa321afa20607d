// Package syncer pulls remote providers into the managed root.
//
// Each provider lists its remote tree; the engine mirrors that listing
// onto disk with atomic writes, deletes local files the remote no
// longer has, and persists an incremental cursor so unchanged remotes
// short-circuit. The filesystem observer and indexer pick the writes up
// like any other local change.
package syncer

import (
	"context"
	"encoding/json"
	"io"

	"golang.org/x/oauth2"
)

// Provider kinds, matching the sync_sources.provider column.
const (
	KindGitHub      = "github"
	KindGoogleDrive = "google_drive"
	KindSharePoint  = "sharepoint"
	KindBox         = "box"
	KindAzureDevOps = "azure_devops"
	KindJira        = "jira"
	KindConfluence  = "confluence"
)

// HashKind names the checksum algorithm a RemoteFile carries, so the
// engine can compare against local bytes without re-downloading.
type HashKind string

const (
	// HashNone means only size comparison is possible.
	HashNone HashKind = ""
	// HashGitBlob is git's sha1 over "blob <len>\x00<content>".
	HashGitBlob HashKind = "git-sha1"
	// HashMD5 is a plain md5 of the content.
	HashMD5 HashKind = "md5"
	// HashSHA1 is a plain sha1 of the content.
	HashSHA1 HashKind = "sha1"
	// HashSHA256 is a plain sha256 of the content.
	HashSHA256 HashKind = "sha256"
	// HashOpaque is a provider version tag with no local equivalent.
	// The engine does not compare the tag; like HashNone, it compares
	// sizes only.
	HashOpaque HashKind = "opaque"
)

// RemoteFile is one file in a provider listing.
type RemoteFile struct {
	// Path is relative to the sync folder, POSIX separators.
	Path string

	// Size in bytes when known (-1 otherwise).
	Size int64

	// Hash identifies the content per HashKind.
	Hash string

	// HashKind names the hash algorithm.
	HashKind HashKind

	// Fetch streams the file content.
	Fetch func(ctx context.Context) (io.ReadCloser, error)
}

// Listing is the result of a provider plan.
type Listing struct {
	// Files is the complete remote tree (mirror semantics).
	Files []RemoteFile

	// Cursor is the provider's incremental position to persist after a
	// successful apply.
	Cursor json.RawMessage

	// Unchanged short-circuits the run: the remote matches the cursor.
	Unchanged bool
}

// Provider is the uniform capability every remote source implements.
type Provider interface {
	// Kind returns the provider discriminator.
	Kind() string

	// Authorize validates credentials, refreshing OAuth tokens where a
	// refresh token exists. Expired credentials without a refresh path
	// return ProviderAuthRequired.
	Authorize(ctx context.Context, config json.RawMessage) (json.RawMessage, error)

	// List enumerates the remote tree. The cursor is the position saved
	// by the previous successful sync, or nil on the first run.
	List(ctx context.Context, config json.RawMessage, cursor json.RawMessage) (*Listing, error)
}

// OAuthProvider is implemented by providers whose credentials come from
// a browser OAuth flow rather than a pasted token.
type OAuthProvider interface {
	Provider

	// OAuthConfig builds the oauth2 config for the stored credentials.
	OAuthConfig(config json.RawMessage) (*oauth2.Config, error)

	// WithToken returns the provider config with the exchanged token
	// merged in.
	WithToken(config json.RawMessage, token *oauth2.Token) (json.RawMessage, error)
}
