package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// httpClient is shared by all providers; per-request deadlines come
// from the caller's context.
var httpClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     60 * time.Second,
	},
}

// classifyStatus maps an HTTP status to an error kind: auth failures
// prompt a reconnect, rate limits and server errors retry, the rest end
// the run.
func classifyStatus(status int, provider string, body []byte) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return verrors.Newf(verrors.KindProviderAuthRequired,
			"%s rejected credentials (status %d)", provider, status)
	case status == http.StatusTooManyRequests, status >= 500:
		return verrors.Newf(verrors.KindProviderTransient,
			"%s unavailable (status %d)", provider, status)
	default:
		return verrors.Newf(verrors.KindProviderFatal,
			"%s request failed (status %d): %s", provider, status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// getJSON performs an authenticated GET and decodes the JSON response.
func getJSON(ctx context.Context, provider, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return verrors.Wrap(verrors.KindProviderFatal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return verrors.Wrap(verrors.KindProviderTransient, provider+" request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, provider, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return verrors.Wrap(verrors.KindProviderFatal, "decode "+provider+" response", err)
	}
	return nil
}

// openStream performs an authenticated GET and returns the body for
// streaming to disk.
func openStream(ctx context.Context, provider, url string, headers map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindProviderFatal, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindProviderTransient, provider+" download", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, provider, body)
	}
	return resp.Body, nil
}

// basicAuthHeader builds an Authorization header value from user and
// secret.
func basicAuthHeader(user, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+secret))
}
