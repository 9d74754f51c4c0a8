package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleTemperatureBands(t *testing.T) {
	cases := []struct {
		role Role
		want float64
	}{
		{RoleReflection, 0.4},
		{RoleValidator, 0.4},
		{RoleCompressor, 0.4},
		{RolePlanner, 0.6},
		{RoleExecutor, 0.6},
		{RoleCoordinator, 0.6},
		{RoleSynthesizer, 0.7},
		{RoleRevision, 0.7},
		{Role("unknown"), 0.6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.role.Temperature(), string(tc.role))
	}
}

func completionResponse(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func TestCompleteWireFormat(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(completionResponse("  Paris is the capital.  "))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "default"})
	resp, err := c.Complete(context.Background(), Request{
		Role:      RoleSynthesizer,
		Prompt:    "capital of France?",
		MaxTokens: 800,
	})
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "default", gotBody["model"])
	assert.Equal(t, float64(800), gotBody["max_tokens"])
	assert.Equal(t, 0.7, gotBody["temperature"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "capital of France?", msgs[0].(map[string]any)["content"])

	assert.Equal(t, "Paris is the capital.", resp.Text, "response is trimmed")
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestCompleteExplicitTemperatureWins(t *testing.T) {
	var gotTemp float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotTemp = body["temperature"].(float64)
		json.NewEncoder(w).Encode(completionResponse("ok"))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Role: RoleValidator, Temperature: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, gotTemp)
}

func TestCompleteRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completionResponse("after retry"))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL})
	resp, err := c.Complete(context.Background(), Request{Role: RoleReflection, Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "after retry", resp.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCompleteNonRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Role: RoleReflection, Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "client errors are not retried")
}

func TestCompleteAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "model overloaded"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Role: RoleReflection, Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), Request{Role: RoleReflection, Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completion")
}
