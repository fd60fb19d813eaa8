package ingest

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/samvad-hq/samvad-feed-ingester/internal/domain"
	"github.com/samvad-hq/samvad-feed-ingester/pkg/httpclient"
)

const defaultImageName = "feed-image"

// ImageFetcher downloads a remote image for attachment.
type ImageFetcher interface {
	Fetch(ctx context.Context, imageURL string) (domain.Media, error)
}

// HTTPImageFetcher downloads images through an httpclient.Client.
type HTTPImageFetcher struct {
	client  httpclient.Client
	headers map[string]string
}

// NewHTTPImageFetcher builds an image fetcher with optional extra request headers.
func NewHTTPImageFetcher(client httpclient.Client, headers map[string]string) *HTTPImageFetcher {
	return &HTTPImageFetcher{client: client, headers: headers}
}

func (f *HTTPImageFetcher) Fetch(ctx context.Context, imageURL string) (domain.Media, error) {
	if f == nil || f.client == nil {
		return domain.Media{}, fmt.Errorf("image fetcher is not initialized")
	}
	resp, err := f.client.Get(ctx, imageURL, f.headers)
	if err != nil {
		return domain.Media{}, fmt.Errorf("download %s: %w", imageURL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Media{}, fmt.Errorf("download %s: status %d", imageURL, resp.StatusCode())
	}
	data := resp.Body()
	if len(data) == 0 {
		return domain.Media{}, fmt.Errorf("download %s: empty body", imageURL)
	}

	// Servers often label images application/octet-stream; trust the bytes then.
	contentType, _, err := mime.ParseMediaType(resp.Header("Content-Type"))
	if err != nil || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return domain.Media{}, fmt.Errorf("download %s: unexpected content type %q", imageURL, contentType)
	}

	return domain.Media{
		SourceURL:   imageURL,
		FileName:    imageFileName(imageURL),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func imageFileName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultImageName
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return defaultImageName
	}
	return name
}
