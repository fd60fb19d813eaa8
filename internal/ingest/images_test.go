package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-feed-ingester/pkg/httpclient"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01")
)

func TestHTTPImageFetcherDownloadsImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/typed/cover.png":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write(pngHeader)
		case "/sniffed":
			w.Header().Set("Content-Type", "")
			_, _ = w.Write(pngHeader)
		case "/octet/photo.jpg":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(jpegHeader)
		case "/octet/blob":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("plain words, not pixels"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPImageFetcher(httpclient.NewRestyClient(2*time.Second, "ingester-test"), nil)
	ctx := context.Background()

	media, err := f.Fetch(ctx, srv.URL+"/typed/cover.png")
	if err != nil {
		t.Fatalf("Fetch typed: %v", err)
	}
	if media.ContentType != "image/png" || media.FileName != "cover.png" || len(media.Data) != len(pngHeader) {
		t.Fatalf("unexpected media %+v", media)
	}

	media, err = f.Fetch(ctx, srv.URL+"/sniffed")
	if err != nil {
		t.Fatalf("Fetch sniffed: %v", err)
	}
	if media.ContentType != "image/png" {
		t.Fatalf("sniffed content type = %q", media.ContentType)
	}

	media, err = f.Fetch(ctx, srv.URL+"/octet/photo.jpg")
	if err != nil {
		t.Fatalf("Fetch octet-stream jpeg: %v", err)
	}
	if media.ContentType != "image/jpeg" {
		t.Fatalf("octet-stream content type = %q", media.ContentType)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/octet/blob"); err == nil {
		t.Fatalf("expected error for octet-stream text body")
	}

	if _, err := f.Fetch(ctx, srv.URL+"/page"); err == nil {
		t.Fatalf("expected error for non-image body")
	}
	if _, err := f.Fetch(ctx, srv.URL+"/missing.jpg"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestImageFileName(t *testing.T) {
	cases := map[string]string{
		"https://img.example.com/a/b/photo.jpg?w=300": "photo.jpg",
		"https://img.example.com/":                    defaultImageName,
		"https://img.example.com":                     defaultImageName,
		"::not a url":                                 defaultImageName,
	}
	for in, want := range cases {
		if got := imageFileName(in); got != want {
			t.Errorf("imageFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
