// Command smoke-auth walks a running identityd through login, refresh
// rotation, reuse detection and logout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/obs"
)

type session struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type smoke struct {
	base       string
	refreshURL *url.URL
	client     *http.Client
}

func main() {
	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	base := envOr("IDENTITY_SMOKE_URL", "http://localhost:8080")
	creds := map[string]string{
		"tenant_slug": os.Getenv("IDENTITY_SMOKE_TENANT"),
		"email":       envOr("IDENTITY_SMOKE_EMAIL", "admin@example.test"),
		"secret":      os.Getenv("IDENTITY_SMOKE_SECRET"),
	}
	if creds["secret"] == "" {
		logger.Fatal("IDENTITY_SMOKE_SECRET is required")
	}

	refreshURL, err := url.Parse(base + "/auth/refresh")
	if err != nil {
		logger.Fatal("base url", zap.Error(err))
	}
	jar, _ := cookiejar.New(nil)
	s := &smoke{base: base, refreshURL: refreshURL, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	login, err := s.post(ctx, "/auth/login", creds, http.StatusOK)
	if err != nil {
		logger.Fatal("login", zap.Error(err))
	}
	first := s.refreshCookie()

	if _, err := s.get(ctx, "/auth/me", login.AccessToken, http.StatusOK); err != nil {
		logger.Fatal("me", zap.Error(err))
	}

	rotated, err := s.post(ctx, "/auth/refresh", nil, http.StatusOK)
	if err != nil {
		logger.Fatal("refresh", zap.Error(err))
	}
	if rotated.AccessToken == "" || s.refreshCookie() == first {
		logger.Fatal("refresh did not rotate the session")
	}
	second := s.refreshCookie()

	// A duplicate of the first refresh replays the same successor.
	s.setRefreshCookie(first)
	if _, err := s.post(ctx, "/auth/refresh", nil, http.StatusOK); err != nil {
		logger.Fatal("replay", zap.Error(err))
	}
	if s.refreshCookie() != second {
		logger.Fatal("replay returned a different session")
	}
	if _, err := s.post(ctx, "/auth/refresh", nil, http.StatusOK); err != nil {
		logger.Fatal("second refresh", zap.Error(err))
	}
	third := s.refreshCookie()

	// Once the successor has rotated, the first token is a stolen copy.
	s.setRefreshCookie(first)
	if _, err := s.post(ctx, "/auth/refresh", nil, http.StatusUnauthorized); err != nil {
		logger.Fatal("reuse", zap.Error(err))
	}
	s.setRefreshCookie(third)
	if _, err := s.post(ctx, "/auth/refresh", nil, http.StatusUnauthorized); err != nil {
		logger.Fatal("family revocation", zap.Error(err))
	}

	if _, err := s.post(ctx, "/auth/logout", nil, http.StatusNoContent); err != nil {
		logger.Fatal("logout", zap.Error(err))
	}

	logger.Info("identityd smoke test passed", zap.String("base", base))
}

func (s *smoke) post(ctx context.Context, path string, body any, want int) (session, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return session{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, &buf)
	if err != nil {
		return session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, want)
}

func (s *smoke) get(ctx context.Context, path, token string, want int) (session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return session{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return s.do(req, want)
}

func (s *smoke) do(req *http.Request, want int) (session, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return session{}, fmt.Errorf("%s %s: status %d, want %d", req.Method, req.URL.Path, resp.StatusCode, want)
	}
	var out session
	if resp.StatusCode == http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return out, nil
}

func (s *smoke) refreshCookie() string {
	for _, c := range s.client.Jar.Cookies(s.refreshURL) {
		if c.Name == "refresh_token" {
			return c.Value
		}
	}
	return ""
}

func (s *smoke) setRefreshCookie(value string) {
	s.client.Jar.SetCookies(s.refreshURL, []*http.Cookie{{Name: "refresh_token", Value: value, Path: "/auth"}})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
