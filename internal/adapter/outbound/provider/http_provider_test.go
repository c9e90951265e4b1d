package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProviderGetContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/context" {
			t.Errorf("path = %q, want /context", r.URL.Path)
		}
		if got := r.URL.Query().Get("resource_type"); got != "repository" {
			t.Errorf("resource_type = %q", got)
		}
		if got := r.URL.Query().Get("resource_id"); got != "repo-42" {
			t.Errorf("resource_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"visibility":"private","default_branch":"main"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	got, err := p.GetContext(context.Background(), "repository", "repo-42")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if got["visibility"] != "private" || got["default_branch"] != "main" {
		t.Errorf("context = %v", got)
	}
}

func TestHTTPProviderNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	if _, err := p.GetContext(context.Background(), "repository", "repo-42"); err == nil {
		t.Error("GetContext() accepted a 500 response")
	}
}

func TestHTTPProviderBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	if _, err := p.GetContext(context.Background(), "repository", "repo-42"); err == nil {
		t.Error("GetContext() accepted a non-JSON body")
	}
}

func TestHTTPProviderContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	p := NewHTTPProvider(srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.GetContext(ctx, "repository", "repo-42"); err == nil {
		t.Error("GetContext() ignored the context deadline")
	}
}
