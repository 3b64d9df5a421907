package mailbox

import (
	"context"
	"io"
	"net/http"
	"time"
)

// maxBannerBytes caps a single fetched banner image.
const maxBannerBytes = 2 << 20

// BannerFetcher retrieves the two inline banner images from their
// configured URLs. Fetching is best-effort: a failed download yields a
// nil image and the reply is sent without it.
type BannerFetcher struct {
	client    *http.Client
	topURL    string
	bottomURL string
}

// NewBannerFetcher creates a fetcher for the given image URLs. Empty
// URLs disable the corresponding banner.
func NewBannerFetcher(topURL, bottomURL string) *BannerFetcher {
	return &BannerFetcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		topURL:    topURL,
		bottomURL: bottomURL,
	}
}

// Fetch downloads both banners.
func (f *BannerFetcher) Fetch(ctx context.Context) (top, bottom []byte) {
	return f.fetchOne(ctx, f.topURL), f.fetchOne(ctx, f.bottomURL)
}

func (f *BannerFetcher) fetchOne(ctx context.Context, url string) []byte {
	if url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBannerBytes))
	if err != nil {
		return nil
	}
	return data
}
