package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/resilience"
)

const failureMessage = "Failed to retrieve access token"

// HandlerConfig configures the token proxy.
type HandlerConfig struct {
	Catalog *catalog.Catalog
	// BaseURL and CreateTokenPath locate the upstream create-token endpoint.
	BaseURL         string
	CreateTokenPath string
	Client          *http.Client
	Breaker         *resilience.CircuitBreaker
	Logger          *slog.Logger
	// LookupEnv resolves API key variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Handler exchanges an avatar id for an upstream access token, keeping the
// avatar's API key on the server.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(0, 0)
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	return &Handler{cfg: cfg, logger: logging.NewComponentLogger(cfg.Logger, "token_proxy")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTokenBody)).Decode(&body); err != nil {
		h.fail(w, "", errorsx.Wrap(fmt.Errorf("decode request: %w", err), errorsx.ReasonCredential))
		return
	}

	token, err := h.CreateToken(r.Context(), body.AvatarID)
	if err != nil {
		h.fail(w, body.AvatarID, err)
		return
	}
	h.logger.Info("token_issued", "avatar_id", body.AvatarID, "token", redact.Secret(token))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, token)
}

func (h *Handler) fail(w http.ResponseWriter, avatarID string, err error) {
	h.logger.Warn("token_issue_failed",
		"avatar_id", avatarID,
		"reason_code", string(errorsx.Reason(err)),
		"error", err,
	)
	http.Error(w, failureMessage, http.StatusInternalServerError)
}

type upstreamResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// CreateToken calls the upstream service with the avatar's API key.
func (h *Handler) CreateToken(ctx context.Context, avatarID string) (string, error) {
	avatarID = strings.TrimSpace(avatarID)
	if avatarID == "" {
		return "", errorsx.New(errorsx.ReasonCredential, "missing avatarId")
	}
	avatar, ok := h.cfg.Catalog.Find(avatarID)
	if !ok {
		return "", errorsx.New(errorsx.ReasonUnknownAvatar, fmt.Sprintf("unknown avatar %q", avatarID))
	}
	if avatar.APIKeyEnv == "" {
		return "", errorsx.New(errorsx.ReasonCredential, "avatar has no api key configured")
	}
	apiKey, ok := h.cfg.LookupEnv(avatar.APIKeyEnv)
	if !ok || strings.TrimSpace(apiKey) == "" {
		return "", errorsx.New(errorsx.ReasonCredential, fmt.Sprintf("api key variable %s is not set", avatar.APIKeyEnv))
	}

	if !h.cfg.Breaker.Allow() {
		return "", errorsx.New(errorsx.ReasonUpstreamCircuitOpen,
			fmt.Sprintf("upstream rate limited, retry in %s", h.cfg.Breaker.OpenFor().Round(time.Second)))
	}
	token, err := h.callUpstream(ctx, apiKey)
	if err != nil {
		h.cfg.Breaker.OnError(err)
		if resilience.IsRateLimit(err) {
			return "", errorsx.Wrap(err, errorsx.ReasonUpstreamRateLimit)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonTokenFetch)
	}
	h.cfg.Breaker.OnSuccess()
	return token, nil
}

// FetchToken lets sessions in the same process use the proxy directly.
func (h *Handler) FetchToken(ctx context.Context, avatarID string) (string, error) {
	return h.CreateToken(ctx, avatarID)
}

func (h *Handler) callUpstream(ctx context.Context, apiKey string) (string, error) {
	url := strings.TrimRight(h.cfg.BaseURL, "/") + h.cfg.CreateTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", apiKey)

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.RateLimitError{
			Upstream:   "create_token",
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create token: upstream returned %d", resp.StatusCode)
	}
	var payload upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&payload); err != nil {
		return "", fmt.Errorf("create token: decode response: %w", err)
	}
	if strings.TrimSpace(payload.Data.Token) == "" {
		return "", fmt.Errorf("create token: empty token in response")
	}
	return payload.Data.Token, nil
}
