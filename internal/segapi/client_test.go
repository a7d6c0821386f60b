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

package segapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draw-rt/draw-client/internal/catalog"
)

type fakeTokenStore struct {
	bearer, refresh string
	expiry          time.Time
	updates         int
}

func (f *fakeTokenStore) UpdateTokens(_ context.Context, bearer, refresh string, expiry time.Time) error {
	f.bearer, f.refresh, f.expiry = bearer, refresh, expiry
	f.updates++
	return nil
}

func testCfg(baseURL string) *catalog.SystemConfiguration {
	return &catalog.SystemConfiguration{
		BaseURL:              baseURL + "/",
		UploadEndpoint:       "api/upload/",
		StatusEndpoint:       "api/status/{task_id}/",
		DownloadEndpoint:     "api/download/{task_id}/",
		NotifyEndpoint:       "api/notify/{task_id}/",
		TokenRefreshEndpoint: "api/token/refresh/",
		BearerToken:          "bearer-0",
		RefreshToken:         "refresh-0",
		TokenExpiry:          sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}
}

func TestRefreshTokenUpdatesStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/token/refresh/", r.URL.Path)
		require.Equal(t, "Bearer refresh-0", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"access_token":"bearer-1","refresh_token":"refresh-1","expires_in":3600}`)
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	c := New(nil, nil, store)
	cfg := testCfg(srv.URL)

	require.NoError(t, c.RefreshToken(context.Background(), cfg))
	require.Equal(t, "bearer-1", store.bearer)
	require.Equal(t, "refresh-1", store.refresh)
	require.Equal(t, "bearer-1", cfg.BearerToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), store.expiry, time.Minute)
}

func TestRefreshTokenKeepsRefreshWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"bearer-1","expires_in":60}`)
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	c := New(nil, nil, store)
	cfg := testCfg(srv.URL)
	require.NoError(t, c.RefreshToken(context.Background(), cfg))
	require.Equal(t, "refresh-0", store.refresh)
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token/refresh/":
			fmt.Fprint(w, `{"access_token":"bearer-1","expires_in":3600}`)
		case "/api/status/t-1/":
			calls++
			if r.Header.Get("Authorization") != "Bearer bearer-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"status":"IN PROGRESS"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	cfg := testCfg(srv.URL) // stale bearer-0

	status, err := c.Status(context.Background(), cfg, "t-1")
	require.NoError(t, err)
	require.Equal(t, "IN PROGRESS", status)
	require.Equal(t, 2, calls)
}

func TestUnauthorizedTwiceIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			fmt.Fprint(w, `{"access_token":"bearer-1","expires_in":3600}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	_, err := c.Status(context.Background(), testCfg(srv.URL), "t-1")
	require.ErrorIs(t, err, catalog.ErrAuthenticationFailed)
}

func TestExpiredTokenRefreshesBeforeCall(t *testing.T) {
	refreshed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			refreshed = true
			fmt.Fprint(w, `{"access_token":"bearer-1","expires_in":3600}`)
			return
		}
		require.Equal(t, "Bearer bearer-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"status":"QUEUED"}`)
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	cfg := testCfg(srv.URL)
	cfg.TokenExpiry = sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true}

	_, err := c.Status(context.Background(), cfg, "t-1")
	require.NoError(t, err)
	require.True(t, refreshed)
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload/", r.URL.Path)
		require.Equal(t, "deadbeef", r.Header.Get("X-File-Checksum"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		require.Equal(t, "export.zip", hdr.Filename)
		require.Equal(t, "deadbeef", r.FormValue("checksum"))
		fmt.Fprint(w, `{"task_id":"task-42"}`)
	}))
	defer srv.Close()

	zip := filepath.Join(t.TempDir(), "export.zip")
	require.NoError(t, os.WriteFile(zip, []byte("PK\x03\x04zip"), 0o644))

	c := New(nil, nil, &fakeTokenStore{})
	taskID, err := c.Upload(context.Background(), testCfg(srv.URL), zip, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "task-42", taskID)
}

func TestDownloadReturnsChecksumHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/download/task-42/", r.URL.Path)
		w.Header().Set("X-File-Checksum", "abc123")
		w.Write([]byte("DICM-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "downloaded_rtstruct", "rtstruct_task-42.dcm")
	c := New(nil, nil, &fakeTokenStore{})
	sum, err := c.Download(context.Background(), testCfg(srv.URL), "task-42", dest)
	require.NoError(t, err)
	require.Equal(t, "abc123", sum)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "DICM-bytes", string(data))
}

func TestNotify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK: Transfer confirmation received, files cleaned up.")
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	require.NoError(t, c.Notify(context.Background(), testCfg(srv.URL), "task-42"))
}

func TestNotifyWithoutConfirmationFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "accepted")
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	err := c.Notify(context.Background(), testCfg(srv.URL), "task-42")
	require.ErrorIs(t, err, catalog.ErrNetworkTransient)
}

func TestHealthHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization")) // no bearer token on health
		fmt.Fprint(w, `{"status":"healthy","details":"all systems nominal"}`)
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	hs, err := c.Health(context.Background(), testCfg(srv.URL))
	require.NoError(t, err)
	require.True(t, hs.OK)
	require.Equal(t, "healthy", hs.Status)
}

func TestHealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"degraded","details":"database unreachable"}`)
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	hs, err := c.Health(context.Background(), testCfg(srv.URL))
	require.NoError(t, err) // a 503 is an answer, not a transport failure
	require.False(t, hs.OK)
	require.Equal(t, "degraded", hs.Status)
	require.Equal(t, "database unreachable", hs.Details)
}

func TestModelsDecodesModelMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/models/", r.URL.Path)
		fmt.Fprint(w, `{"models":[
			{"model_id":1,"model_name":"HeadNeck","modelmap":[
				{"map_id":10,"map_tg263_primary_name":"Parotid_L","model_name":"HeadNeck"},
				{"map_id":11,"map_tg263_primary_name":"Parotid_R","model_name":"HeadNeck"}
			]},
			{"model_id":2,"model_name":"Pelvis","modelmap":[]}
		]}`)
	}))
	defer srv.Close()

	c := New(nil, nil, &fakeTokenStore{})
	models, err := c.Models(context.Background(), testCfg(srv.URL))
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "HeadNeck", models[0].Name)
	require.Len(t, models[0].ModelMap, 2)
	require.Equal(t, "Parotid_L", models[0].ModelMap[0].StructureName)
	require.Empty(t, models[1].ModelMap)
}
