package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaEngine_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var got ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got.Model != "embeddinggemma" {
			t.Errorf("unexpected model: %s", got.Model)
		}
		if got.Prompt != "execute_query: 在SQLite数据库上执行SQL" {
			t.Errorf("unexpected prompt: %s", got.Prompt)
		}
		w.Write([]byte(`{"embedding": [0.1, -0.2, 0.3]}`))
	}))
	defer server.Close()

	engine := NewOllamaEngine(server.URL, "")
	vec, err := engine.Embed(context.Background(), "execute_query: 在SQLite数据库上执行SQL")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 || vec[1] != -0.2 || vec[2] != 0.3 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestOllamaEngine_Embed_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	engine := NewOllamaEngine(server.URL, "")
	_, err := engine.Embed(context.Background(), "text")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("expected status 500 error, got %v", err)
	}
}

func TestOllamaEngine_EmbedBatch(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"embedding": [1, 2]}`))
	}))
	defer server.Close()

	engine := NewOllamaEngine(server.URL, "")
	vecs, err := engine.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("expected 3 vectors, got %d", len(vecs))
	}
	// Sequential calls, one per text
	if calls != 3 {
		t.Errorf("expected 3 HTTP calls, got %d", calls)
	}
}

func TestOllamaEngine_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer server.Close()

	engine := NewOllamaEngine(server.URL, "")
	if err := engine.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}

	server.Close()
	if err := engine.HealthCheck(context.Background()); err == nil {
		t.Error("expected error against a closed server")
	}
}

func TestOllamaEngine_Defaults(t *testing.T) {
	engine := NewOllamaEngine("", "")
	if engine.endpoint != "http://localhost:11434" {
		t.Errorf("unexpected default endpoint: %s", engine.endpoint)
	}
	if engine.Name() != "ollama:embeddinggemma" {
		t.Errorf("unexpected name: %s", engine.Name())
	}
}
