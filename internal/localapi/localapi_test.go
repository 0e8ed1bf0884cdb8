package localapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientForwards(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHeader string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Emby-Token")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	resp, err := c.Do(context.Background(), &Request{
		Method:  http.MethodPost,
		Path:    "/Items/123?fields=Path",
		Headers: map[string]string{"X-Emby-Token": "tok"},
		Body:    []byte(`{"name":"x"}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/Items/123" || gotQuery != "fields=Path" {
		t.Errorf("forwarded %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotHeader != "tok" {
		t.Errorf("header = %q", gotHeader)
	}
	if !bytes.Equal(gotBody, []byte(`{"name":"x"}`)) {
		t.Errorf("body = %q", gotBody)
	}

	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d", resp.Status)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("response headers = %v", resp.Headers)
	}
	if !bytes.Equal(resp.Body, []byte(`{"ok":true}`)) {
		t.Errorf("response body = %q", resp.Body)
	}
}

func TestHTTPClientPathNormalization(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if _, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "System/Info"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotPath != "/System/Info" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	if _, err := NewHTTPClient("not a url", time.Second); err == nil {
		t.Error("expected error for invalid base URL")
	}
	if _, err := NewHTTPClient("/relative/only", time.Second); err == nil {
		t.Error("expected error for URL without host")
	}
}
