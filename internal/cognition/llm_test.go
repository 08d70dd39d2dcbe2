package cognition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestNormalizeBaseURL verifies suffix and slash stripping.
func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1"},
		{"https://api.example.com/v1/", "https://api.example.com/v1"},
		{"https://api.example.com/v1/chat/completions/", "https://api.example.com/v1"},
		{"https://api.example.com", "https://api.example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeBaseURL(tc.in); got != tc.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestNewTierEnvFallback verifies tier vars override the shared ones.
func TestNewTierEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-shared")
	t.Setenv("OPENAI_BASE_URL", "https://shared.example.com")
	t.Setenv("OPENAI_MODEL", "shared-model")
	t.Setenv("SMART_MODEL", "big-model")
	t.Setenv("SMART_API_KEY", "")

	c := NewTier("SMART")
	if c.model != "big-model" {
		t.Errorf("model = %q, want tier override", c.model)
	}
	if c.apiKey != "sk-shared" {
		t.Errorf("apiKey = %q, want shared fallback", c.apiKey)
	}
	if c.baseURL != "https://shared.example.com" {
		t.Errorf("baseURL = %q", c.baseURL)
	}

	shared := NewTier("")
	if shared.model != "shared-model" || shared.label != "LLM" {
		t.Errorf("empty prefix: model=%q label=%q", shared.model, shared.label)
	}
}

// TestClientValidate verifies missing credentials are listed.
func TestClientValidate(t *testing.T) {
	ok := &Client{baseURL: "https://x", apiKey: "k", model: "m", label: "T"}
	if err := ok.Validate(); err != nil {
		t.Errorf("complete client: %v", err)
	}

	c := &Client{label: "SMART"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"SMART", "base URL", "API key", "model"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

// TestStripFences verifies fence and think-block removal.
func TestStripFences(t *testing.T) {
	got := StripFences("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Errorf("fenced = %q", got)
	}
	got = StripThinkBlocks("<think>hm</think>{\"a\":1}")
	if got != `{"a":1}` {
		t.Errorf("think = %q", got)
	}
	got = StripThinkBlocks(`{"a":1}<think>orphan`)
	if got != `{"a":1}` {
		t.Errorf("unclosed think = %q", got)
	}
	if got := StripFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("plain = %q", got)
	}
}

// TestGenerateToolCalls verifies the wire round trip including tool
// declarations and returned tool calls.
func TestGenerateToolCalls(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{
			"choices":[{"message":{"content":"","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"task_list","arguments":"{}"}}
			]}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, apiKey: "sk-test", model: "test-model", label: "T", httpClient: srv.Client()}
	reply, err := c.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []ToolDef{{Type: "function", Function: FunctionDef{Name: "task_list"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotReq.Model != "test-model" || gotReq.ToolChoice != "auto" || len(gotReq.Tools) != 1 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].Function.Name != "task_list" {
		t.Errorf("tool calls = %+v", reply.ToolCalls)
	}
	if reply.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", reply.Usage)
	}
}

// TestGenerateRetriesTransient verifies a 500 is retried and a 400 is
// not.
func TestGenerateRetriesTransient(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, apiKey: "k", model: "m", label: "T", httpClient: srv.Client()}
	reply, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "ok" || attempts != 2 {
		t.Errorf("content=%q attempts=%d", reply.Content, attempts)
	}

	badAttempts := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badAttempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	c2 := &Client{baseURL: bad.URL, apiKey: "k", model: "m", label: "T", httpClient: bad.Client()}
	if _, err := c2.Generate(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if badAttempts != 1 {
		t.Errorf("400 retried %d times", badAttempts)
	}
}
