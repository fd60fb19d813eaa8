package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRestyClientSendsUserAgentAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "ingester-test" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/rss+xml" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte("<rss/>"))
	}))
	defer srv.Close()

	client := NewRestyClient(2*time.Second, "ingester-test")
	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"Accept": "application/rss+xml"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if string(resp.Body()) != "<rss/>" {
		t.Fatalf("body = %q", resp.Body())
	}
	if resp.Header("Content-Type") != "application/rss+xml" {
		t.Fatalf("content type = %q", resp.Header("Content-Type"))
	}
}

func TestRestyClientTimeoutIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewRestyClient(50*time.Millisecond, "")
	if _, err := client.Get(context.Background(), srv.URL, nil); err == nil {
		t.Fatalf("expected timeout error")
	}
}
