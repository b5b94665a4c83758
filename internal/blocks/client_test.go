package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientFetchesBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/codeblocks/42" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Block{
			ID:       "42",
			Name:     "Async case",
			Template: "// template",
			Solution: "await it",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	b, err := client.Block(context.Background(), "42")
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if b.Name != "Async case" || b.Solution != "await it" {
		t.Errorf("Block mismatch: %+v", b)
	}
}

func TestClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Block(context.Background(), "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Block(context.Background(), "42")
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("A 500 is not a not-found")
	}
}
