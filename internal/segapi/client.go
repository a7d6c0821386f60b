// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package segapi talks to the remote autosegmentation service: archive
// upload, task status, RT Structure download, transfer notification and the
// bearer-token lifecycle. All calls require a valid token; a 401 mid-call
// triggers exactly one refresh and one retry.
package segapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/draw-rt/draw-client/internal/catalog"
)

// NotifyConfirmation is the substring the server must return before a
// transfer is considered acknowledged.
const NotifyConfirmation = "Transfer confirmation received, files cleaned up"

const (
	requestTimeout  = 30 * time.Second
	uploadTimeout   = 300 * time.Second
	downloadTimeout = 300 * time.Second
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_segapi_requests_total",
		Help: "Requests to the autosegmentation service by operation and outcome.",
	}, []string{"op", "outcome"})
	tokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_segapi_token_refreshes_total",
		Help: "Bearer token refresh attempts.",
	})
	healthUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "draw_segapi_health_up",
		Help: "Whether the last health check found the service healthy.",
	})
)

// TokenStore persists refreshed credentials.
type TokenStore interface {
	UpdateTokens(ctx context.Context, bearer, refresh string, expiry time.Time) error
}

type Client struct {
	logger log.Logger
	store  TokenStore

	httpClient     *http.Client
	transferClient *http.Client
	breaker        *gobreaker.CircuitBreaker
	now            func() time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, store TokenStore) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(requestsTotal, tokenRefreshes, healthUp)
	}
	return &Client{
		logger:         logger,
		store:          store,
		httpClient:     &http.Client{Transport: cleanhttp.DefaultPooledTransport(), Timeout: requestTimeout},
		transferClient: &http.Client{Transport: cleanhttp.DefaultPooledTransport(), Timeout: uploadTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "segapi",
			Timeout: time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		now: time.Now,
	}
}

func endpointURL(cfg *catalog.SystemConfiguration, endpoint, taskID string) string {
	ep := strings.TrimPrefix(endpoint, "/")
	if taskID != "" {
		ep = strings.ReplaceAll(ep, "{task_id}", taskID)
	}
	return cfg.BaseURL + ep
}

// tokenResponse covers both refresh payload shapes the service emits.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	BearerToken  string `json:"bearer_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    string `json:"expires_at"`
}

// RefreshToken exchanges the refresh token for a new bearer token and
// persists the result. cfg is updated in place on success.
func (c *Client) RefreshToken(ctx context.Context, cfg *catalog.SystemConfiguration) error {
	tokenRefreshes.Inc()
	if cfg.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token configured", catalog.ErrConfigurationMissing)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpointURL(cfg, cfg.TokenRefreshEndpoint, ""), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.RefreshToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token refresh: %s", catalog.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: token refresh returned %d", catalog.ErrAuthenticationFailed, resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	bearer := tr.AccessToken
	if bearer == "" {
		bearer = tr.BearerToken
	}
	if bearer == "" {
		return fmt.Errorf("%w: token response carries no token", catalog.ErrAuthenticationFailed)
	}
	refresh := cfg.RefreshToken
	if tr.RefreshToken != "" {
		refresh = tr.RefreshToken
	}
	expiry := c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresAt != "" {
		if at, err := time.Parse(time.RFC3339, tr.ExpiresAt); err == nil {
			expiry = at
		}
	}
	if err := c.store.UpdateTokens(ctx, bearer, refresh, expiry); err != nil {
		return err
	}
	cfg.BearerToken = bearer
	cfg.RefreshToken = refresh
	level.Info(c.logger).Log("msg", "bearer token refreshed", "expiry", expiry)
	return nil
}

// ensureToken refreshes when the expiry is unknown or passed.
func (c *Client) ensureToken(ctx context.Context, cfg *catalog.SystemConfiguration) error {
	if cfg.BearerToken != "" && cfg.TokenExpiry.Valid && c.now().Before(cfg.TokenExpiry.Time) {
		return nil
	}
	return c.RefreshToken(ctx, cfg)
}

// doAuthorized runs build() with a fresh Authorization header. On a 401 the
// token is refreshed once and the request retried once; a second 401 is a
// hard authentication failure.
func (c *Client) doAuthorized(ctx context.Context, cfg *catalog.SystemConfiguration, client *http.Client, op string, build func() (*http.Request, error)) (*http.Response, error) {
	if err := c.ensureToken(ctx, cfg); err != nil {
		requestsTotal.WithLabelValues(op, "auth_error").Inc()
		return nil, err
	}
	resp, err := c.execute(client, cfg, build)
	if err != nil {
		requestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%w: %s: %s", catalog.ErrNetworkTransient, op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.RefreshToken(ctx, cfg); err != nil {
			requestsTotal.WithLabelValues(op, "auth_error").Inc()
			return nil, err
		}
		resp, err = c.execute(client, cfg, build)
		if err != nil {
			requestsTotal.WithLabelValues(op, "error").Inc()
			return nil, fmt.Errorf("%w: %s: %s", catalog.ErrNetworkTransient, op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			requestsTotal.WithLabelValues(op, "auth_error").Inc()
			return nil, fmt.Errorf("%w: %s still unauthorized after refresh", catalog.ErrAuthenticationFailed, op)
		}
	}
	requestsTotal.WithLabelValues(op, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	return resp, nil
}

func (c *Client) execute(client *http.Client, cfg *catalog.SystemConfiguration, build func() (*http.Request, error)) (*http.Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
		return client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// Upload POSTs the export archive and returns the server task id.
func (c *Client) Upload(ctx context.Context, cfg *catalog.SystemConfiguration, zipPath, sha256Hex string) (string, error) {
	build := func() (*http.Request, error) {
		f, err := os.Open(zipPath)
		if err != nil {
			return nil, err
		}
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("file", filepath.Base(zipPath))
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
		if err := w.WriteField("checksum", sha256Hex); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpointURL(cfg, cfg.UploadEndpoint, ""), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("X-File-Checksum", sha256Hex)
		return req, nil
	}

	resp, err := c.doAuthorized(ctx, cfg, c.transferClient, "upload", build)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: upload returned %d", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("upload response carries no task_id")
	}
	return out.TaskID, nil
}

// Status fetches the server-side segmentation status for a task.
func (c *Client) Status(ctx context.Context, cfg *catalog.SystemConfiguration, taskID string) (string, error) {
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			endpointURL(cfg, cfg.StatusEndpoint, taskID), nil)
	}
	resp, err := c.doAuthorized(ctx, cfg, c.httpClient, "status", build)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status returned %d", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding status response: %w", err)
	}
	return out.Status, nil
}

// Download streams the finished RT Structure to destPath and returns the
// server-supplied SHA-256 from X-File-Checksum ("" when absent).
func (c *Client) Download(ctx context.Context, cfg *catalog.SystemConfiguration, taskID, destPath string) (string, error) {
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			endpointURL(cfg, cfg.DownloadEndpoint, taskID), nil)
	}
	resp, err := c.doAuthorized(ctx, cfg, c.transferClient, "download", build)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: download returned %d", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return "", fmt.Errorf("%w: writing download: %s", catalog.ErrNetworkTransient, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return resp.Header.Get("X-File-Checksum"), nil
}

// Notify confirms receipt of a downloaded task. The server must answer with
// the NotifyConfirmation phrase; anything else leaves the task unconfirmed.
func (c *Client) Notify(ctx context.Context, cfg *catalog.SystemConfiguration, taskID string) error {
	payload, err := json.Marshal(map[string]string{
		"task_id":   taskID,
		"status":    "received",
		"timestamp": c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpointURL(cfg, cfg.NotifyEndpoint, taskID), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	resp, err := c.doAuthorized(ctx, cfg, c.httpClient, "notify", build)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading notify response: %s", catalog.ErrNetworkTransient, err)
	}
	if resp.StatusCode/100 != 2 || !strings.Contains(string(body), NotifyConfirmation) {
		return fmt.Errorf("%w: notify not confirmed (status %d)", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	return nil
}

// HealthStatus is the service's self-reported health. OK reflects the HTTP
// answer: true on 200, false on 503.
type HealthStatus struct {
	OK      bool   `json:"-"`
	Status  string `json:"status"`
	Details string `json:"details"`
}

// Health checks the service health endpoint. The call is unauthenticated;
// both 200 and 503 carry a decodable body, any other answer is a transport
// failure.
func (c *Client) Health(ctx context.Context, cfg *catalog.SystemConfiguration) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpointURL(cfg, "api/health", ""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("health", "error").Inc()
		healthUp.Set(0)
		return nil, fmt.Errorf("%w: health: %s", catalog.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()
	requestsTotal.WithLabelValues("health", fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		healthUp.Set(0)
		return nil, fmt.Errorf("%w: health returned %d", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	hs := &HealthStatus{OK: resp.StatusCode == http.StatusOK}
	if err := json.NewDecoder(resp.Body).Decode(hs); err != nil {
		healthUp.Set(0)
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	if hs.OK {
		healthUp.Set(1)
	} else {
		healthUp.Set(0)
	}
	return hs, nil
}

// WatchHealth checks the service at every interval until ctx ends. Outcomes
// land in the health gauge and the log; the pipeline itself never blocks on
// this watcher.
func (c *Client) WatchHealth(ctx context.Context, interval time.Duration, getConfig func(context.Context) (*catalog.SystemConfiguration, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cfg, err := getConfig(ctx)
		if err != nil {
			level.Error(c.logger).Log("msg", "loading system configuration", "err", err)
		} else if hs, err := c.Health(ctx, cfg); err != nil {
			if ctx.Err() == nil {
				level.Warn(c.logger).Log("msg", "health check failed", "err", err)
			}
		} else if !hs.OK {
			level.Warn(c.logger).Log("msg", "service reports unhealthy",
				"status", hs.Status, "details", hs.Details)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Model is one autosegmentation template the server offers, with its nested
// structure mappings.
type Model struct {
	ID       int64           `json:"model_id"`
	Name     string          `json:"model_name"`
	ModelMap []ModelMapEntry `json:"modelmap"`
}

// ModelMapEntry maps one model output to a structure name.
type ModelMapEntry struct {
	ID            int64  `json:"map_id"`
	StructureName string `json:"map_tg263_primary_name"`
	ModelName     string `json:"model_name"`
}

// Models lists the autosegmentation templates the server offers. Purely
// informational; failures are not fatal to the pipeline.
func (c *Client) Models(ctx context.Context, cfg *catalog.SystemConfiguration) ([]Model, error) {
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			endpointURL(cfg, "api/models/", ""), nil)
	}
	resp, err := c.doAuthorized(ctx, cfg, c.httpClient, "models", build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: models returned %d", catalog.ErrNetworkTransient, resp.StatusCode)
	}
	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding models response: %w", err)
	}
	return out.Models, nil
}
