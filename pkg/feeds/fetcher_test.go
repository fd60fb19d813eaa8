package feeds

import (
	"context"
	"errors"
	"testing"

	"github.com/samvad-hq/samvad-feed-ingester/pkg/httpclient"
)

type mockResponse struct {
	body   []byte
	status int
}

func (m mockResponse) Body() []byte         { return m.body }
func (m mockResponse) StatusCode() int      { return m.status }
func (m mockResponse) Header(string) string { return "" }

type mockClient struct {
	resp    httpclient.Response
	err     error
	url     string
	headers map[string]string
}

func (m *mockClient) Get(_ context.Context, url string, headers map[string]string) (httpclient.Response, error) {
	m.url = url
	m.headers = headers
	return m.resp, m.err
}

func TestFetcherReturnsBody(t *testing.T) {
	client := &mockClient{resp: mockResponse{body: []byte("<rss/>"), status: 200}}
	f := NewFetcher(client)

	body, err := f.Fetch(context.Background(), Source{ID: "s", URL: "https://example.com/rss"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "<rss/>" {
		t.Fatalf("unexpected body %q", body)
	}
	if client.url != "https://example.com/rss" || client.headers["Accept"] == "" {
		t.Fatalf("unexpected request url=%q headers=%v", client.url, client.headers)
	}
}

func TestFetcherTransportErrors(t *testing.T) {
	cases := []struct {
		name   string
		client httpclient.Client
		src    Source
	}{
		{name: "nil client", client: nil, src: Source{URL: "https://example.com"}},
		{name: "empty url", client: &mockClient{}, src: Source{}},
		{name: "client error", client: &mockClient{err: errors.New("dial tcp: refused")}, src: Source{URL: "https://example.com"}},
		{name: "bad status", client: &mockClient{resp: mockResponse{status: 503, body: []byte("busy")}}, src: Source{URL: "https://example.com"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewFetcher(c.client).Fetch(context.Background(), c.src)
			if !errors.Is(err, ErrTransport) {
				t.Fatalf("expected ErrTransport, got %v", err)
			}
		})
	}
}
