package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteHandlerPostsArgs(t *testing.T) {
	var gotPath string
	var gotArgs map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotArgs))
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "findings": "f1"})
	}))
	defer srv.Close()

	h := RemoteHandler(RemoteConfig{ServerURL: srv.URL, Timeout: time.Second}, "internet.research")
	out, err := h(context.Background(), map[string]any{"query": "price of eggs"})
	require.NoError(t, err)

	assert.Equal(t, "/internet.research", gotPath)
	assert.Equal(t, "price of eggs", gotArgs["query"])
	assert.Equal(t, "f1", out.(map[string]any)["findings"])
}

func TestRemoteHandlerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tool exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := RemoteHandler(RemoteConfig{ServerURL: srv.URL, Timeout: time.Second}, "t")
	_, err := h(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestRegisterRemoteDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/tools" {
			json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{
				{"name": "internet.research", "mode_required": "any"},
				{"name": "git.push", "mode_required": "code"},
			}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	c := New()
	n, err := c.RegisterRemote(context.Background(), RemoteConfig{ServerURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, c.Has("internet.research"))
	assert.Equal(t, ModeCode, c.Get("git.push").ModeRequired)
}

func TestRegisterRemoteFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New()
	n, err := c.RegisterRemote(context.Background(), RemoteConfig{ServerURL: srv.URL, Timeout: time.Second},
		"internet.research", "memory.search")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, c.Has("internet.research"))
	assert.True(t, c.Has("memory.search"))
}
