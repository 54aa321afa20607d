package syncer

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"golang.org/x/oauth2"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// oauthStateKey signs OAuth state payloads for this process lifetime.
// States do not survive a restart; the user simply restarts the flow.
var oauthStateKey = func() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}()

// encodeState packs the folder path into a signed state parameter.
func encodeState(folder string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(folder))
	mac := hmac.New(sha256.New, oauthStateKey)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + sig
}

// decodeState verifies and unpacks a state parameter.
func decodeState(state string) (string, error) {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return "", verrors.New(verrors.KindInvalidPath, "malformed oauth state")
	}
	mac := hmac.New(sha256.New, oauthStateKey)
	mac.Write([]byte(parts[0]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return "", verrors.New(verrors.KindPermissionDenied, "oauth state signature mismatch")
	}
	folder, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", verrors.Wrap(verrors.KindInvalidPath, "decode oauth state", err)
	}
	return string(folder), nil
}

// AuthURL builds the provider consent URL for a folder's sync source.
func (e *Engine) AuthURL(ctx context.Context, folder string) (string, error) {
	src, err := e.store.GetSyncSource(ctx, folder)
	if err != nil {
		return "", err
	}
	provider, ok := e.providers[src.Provider]
	if !ok {
		return "", verrors.Newf(verrors.KindProviderFatal, "unknown provider %q", src.Provider)
	}
	op, ok := provider.(OAuthProvider)
	if !ok {
		return "", verrors.Newf(verrors.KindConflict, "provider %q does not use OAuth", src.Provider)
	}

	oc, err := op.OAuthConfig(src.Config)
	if err != nil {
		return "", err
	}
	return oc.AuthCodeURL(encodeState(folder), oauth2.AccessTypeOffline), nil
}

// HandleOAuthCallback exchanges the authorization code, persists the
// token on the folder's sync source and announces the connection.
func (e *Engine) HandleOAuthCallback(ctx context.Context, state, code string) (string, error) {
	folder, err := decodeState(state)
	if err != nil {
		return "", err
	}

	src, err := e.store.GetSyncSource(ctx, folder)
	if err != nil {
		return "", err
	}
	provider, ok := e.providers[src.Provider]
	if !ok {
		return "", verrors.Newf(verrors.KindProviderFatal, "unknown provider %q", src.Provider)
	}
	op, ok := provider.(OAuthProvider)
	if !ok {
		return "", verrors.Newf(verrors.KindConflict, "provider %q does not use OAuth", src.Provider)
	}

	oc, err := op.OAuthConfig(src.Config)
	if err != nil {
		return "", err
	}
	token, err := oc.Exchange(ctx, code)
	if err != nil {
		return "", verrors.Wrap(verrors.KindProviderAuthRequired, "oauth code exchange failed", err)
	}

	newConfig, err := op.WithToken(src.Config, token)
	if err != nil {
		return "", err
	}
	src.Config = newConfig
	if err := e.store.SetSyncSource(ctx, src, true); err != nil {
		return "", err
	}

	e.PublishConnected(src.Provider, folder)
	return folder, nil
}
