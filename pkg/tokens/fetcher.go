// Package tokens retrieves short-lived streaming access tokens: Fetcher is
// the session-side client, Handler the server-side proxy that holds the
// upstream API keys.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

const maxTokenBody = 64 << 10

type tokenRequest struct {
	AvatarID string `json:"avatarId"`
}

// Fetcher posts {"avatarId"} to the token endpoint and returns the body as
// the token.
type Fetcher struct {
	URL    string
	Client *http.Client
}

// NewFetcher builds a fetcher. A zero timeout leaves the request unbounded.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *Fetcher) FetchToken(ctx context.Context, avatarID string) (string, error) {
	body, err := json.Marshal(tokenRequest{AvatarID: avatarID})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTokenFetch)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTokenFetch)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client().Do(req)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("token request: %w", err), errorsx.ReasonTokenFetch)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("read token response: %w", err), errorsx.ReasonTokenFetch)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errorsx.New(errorsx.ReasonTokenFetch, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errorsx.New(errorsx.ReasonCredential, "token endpoint returned an empty token")
	}
	return token, nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}
