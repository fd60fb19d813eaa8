package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/samvad-hq/samvad-feed-ingester/pkg/httpclient"
)

// Fetcher downloads raw feed bodies.
type Fetcher struct {
	client httpclient.Client
}

// NewFetcher builds a feed fetcher on top of the given HTTP client.
func NewFetcher(client httpclient.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch retrieves the raw body of src. Every failure is tagged with ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if f == nil || f.client == nil {
		return nil, fmt.Errorf("%w: fetcher is not initialized", ErrTransport)
	}
	if strings.TrimSpace(src.URL) == "" {
		return nil, fmt.Errorf("%w: feed %q url is empty", ErrTransport, src.ID)
	}

	resp, err := f.client.Get(ctx, src.URL, Headers(src))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s feed: %v", ErrTransport, src.ID, err)
	}

	body := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %s feed returned status %d body: %s", ErrTransport, src.ID, resp.StatusCode(), responseSnippet(body))
	}
	return body, nil
}
