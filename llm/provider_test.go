package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewGeneratorSelection(t *testing.T) {
	cases := []struct {
		provider string
		wantErr  bool
	}{
		{"ollama", false},
		{"lmstudio", false},
		{"custom", false},
		{"", true},
		{"openai", true},
	}
	for _, c := range cases {
		_, err := NewGenerator(Config{Provider: c.provider, Model: "m", BaseURL: "http://localhost:1"})
		if (err != nil) != c.wantErr {
			t.Errorf("NewGenerator(%q): err = %v, wantErr = %v", c.provider, err, c.wantErr)
		}
	}
}

func TestGenerateWrapsPromptAsUserMessage(t *testing.T) {
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test-model",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "generated text"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompat(Config{Provider: "custom", Model: "test-model", BaseURL: srv.URL})
	out, err := g.Generate(context.Background(), "hello prompt")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "generated text" {
		t.Errorf("out = %q", out)
	}

	var msgs []Message
	if err := json.Unmarshal(gotBody.Messages, &msgs); err != nil {
		t.Fatalf("decoding sent messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello prompt" {
		t.Errorf("sent messages = %+v", msgs)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("model = %q", gotBody.Model)
	}
}

func TestChatErrorOnNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL})
	if _, err := g.Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{3, 3}, "index": 1},
				{"embedding": []float32{1, 1}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL})
	embs, err := g.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(embs) != 2 || embs[0][0] != 1 || embs[1][0] != 3 {
		t.Errorf("embeddings out of order: %v", embs)
	}
}
