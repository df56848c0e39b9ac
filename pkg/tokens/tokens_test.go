package tokens

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/catalog"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/resilience"
)

func TestFetcherReturnsTrimmedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["avatarId"] != "june" {
			t.Errorf("unexpected request body %v (%v)", body, err)
		}
		_, _ = io.WriteString(w, "  tok-123\n")
	}))
	defer srv.Close()

	token, err := NewFetcher(srv.URL, time.Second).FetchToken(context.Background(), "june")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestFetcherNon2xxIsTokenFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, 0).FetchToken(context.Background(), "june")
	if !errorsx.HasReason(err, errorsx.ReasonTokenFetch) {
		t.Fatalf("expected token_fetch, got %v", err)
	}
}

func TestFetcherEmptyBodyIsCredentialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL, 0).FetchToken(context.Background(), "june")
	if !errorsx.HasReason(err, errorsx.ReasonCredential) {
		t.Fatalf("expected credential, got %v", err)
	}
}

func TestFetcherTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFetcher(url, time.Second).FetchToken(context.Background(), "june")
	if !errorsx.HasReason(err, errorsx.ReasonTokenFetch) {
		t.Fatalf("expected token_fetch, got %v", err)
	}
}

type upstream struct {
	srv    *httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		if r.URL.Path != "/v1/streaming.create_token" || r.Header.Get("x-api-key") != "secret-key" {
			http.Error(w, "bad request", http.StatusUnauthorized)
			return
		}
		if code := int(u.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"token":"upstream-token"}}`)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newTestHandler(t *testing.T, u *upstream, breaker *resilience.CircuitBreaker) *Handler {
	t.Helper()
	cat, err := catalog.New([]catalog.Avatar{
		{ID: "june", APIKeyEnv: "JUNE_KEY"},
		{ID: "keyless"},
		{ID: "unset", APIKeyEnv: "UNSET_KEY"},
	}, catalog.Defaults{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	env := map[string]string{"JUNE_KEY": "secret-key"}
	return NewHandler(HandlerConfig{
		Catalog:         cat,
		BaseURL:         u.srv.URL,
		CreateTokenPath: "/v1/streaming.create_token",
		Breaker:         breaker,
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/get-access-token", strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerIssuesToken(t *testing.T) {
	u := newUpstream(t)
	h := newTestHandler(t, u, nil)

	rec := post(h, `{"avatarId":"june"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "upstream-token" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandlerFailuresMapTo500(t *testing.T) {
	u := newUpstream(t)
	h := newTestHandler(t, u, nil)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"avatarId":"nobody"}`,
		`{"avatarId":"keyless"}`,
		`{"avatarId":"unset"}`,
	} {
		rec := post(h, body)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("body %s: expected 500, got %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), failureMessage) {
			t.Fatalf("body %s: unexpected message %q", body, rec.Body.String())
		}
	}
	if u.calls.Load() != 0 {
		t.Fatalf("upstream must not be called without a key, got %d calls", u.calls.Load())
	}

	u.status.Store(http.StatusBadGateway)
	if rec := post(h, `{"avatarId":"june"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on upstream failure, got %d", rec.Code)
	}
}

func TestHandlerRejectsNonPost(t *testing.T) {
	u := newUpstream(t)
	h := newTestHandler(t, u, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/get-access-token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCircuitShortCircuitsAfterRateLimits(t *testing.T) {
	u := newUpstream(t)
	u.status.Store(http.StatusTooManyRequests)
	h := newTestHandler(t, u, resilience.NewCircuitBreaker(2, time.Minute))

	_, err := h.CreateToken(context.Background(), "june")
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamRateLimit) {
		t.Fatalf("expected upstream_rate_limit, got %v", err)
	}
	_, _ = h.CreateToken(context.Background(), "june")
	_, err = h.CreateToken(context.Background(), "june")
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamCircuitOpen) {
		t.Fatalf("expected upstream_circuit_open, got %v", err)
	}
	if u.calls.Load() != 2 {
		t.Fatalf("expected the open circuit to skip upstream, got %d calls", u.calls.Load())
	}
}
