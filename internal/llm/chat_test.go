package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, reply string, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "local-model" {
			t.Errorf("model = %v", body["model"])
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"nope"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": reply}}},
		})
	}))
}

func TestChatClient_Generate(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "  {\"ok\":true}  ", nil)
	defer srv.Close()

	c := NewChatClient(ChatOptions{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "local-model"})
	out, err := c.Generate(context.Background(), "hello", Options{Temperature: 0.3, MaxTokens: 100, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "local-model", c.Model())
}

func TestChatClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := chatServer(t, http.StatusBadRequest, "", &calls)
	defer srv.Close()

	c := NewChatClient(ChatOptions{APIKey: "sk-test", BaseURL: srv.URL, Model: "local-model", MaxRetries: 3})
	_, err := c.Generate(context.Background(), "hello", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat http 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChatClient_EmptyContent(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "   ", nil)
	defer srv.Close()

	c := NewChatClient(ChatOptions{APIKey: "sk-test", BaseURL: srv.URL, Model: "local-model"})
	_, err := c.Generate(context.Background(), "hello", Options{})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestChatClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewChatClient(ChatOptions{BaseURL: srv.URL, Model: "m", MaxRetries: 1})
	start := time.Now()
	_, err := c.Generate(context.Background(), "hello", Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChatClient_MissingConfig(t *testing.T) {
	_, err := NewChatClient(ChatOptions{Model: "m"}).Generate(context.Background(), "x", Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "base url"))

	_, err = NewChatClient(ChatOptions{BaseURL: "http://localhost"}).Generate(context.Background(), "x", Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "model"))
}
