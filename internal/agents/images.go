package agents

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	imageCacheSize = 10
	imageCacheTTL  = time.Hour
	maxImageBytes  = 20 << 20
)

// ImageFetcher downloads images and returns them base64 encoded. Recent
// downloads are kept in a small expiring cache.
type ImageFetcher struct {
	client *http.Client
	cache  *expirable.LRU[string, string]
	group  singleflight.Group
}

// NewImageFetcher creates a fetcher; a nil client uses http.DefaultClient.
func NewImageFetcher(client *http.Client) *ImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &ImageFetcher{
		client: client,
		cache:  expirable.NewLRU[string, string](imageCacheSize, nil, imageCacheTTL),
	}
}

// Base64 returns the content at url, base64 encoded.
func (f *ImageFetcher) Base64(ctx context.Context, url string) (string, error) {
	if v, ok := f.cache.Get(url); ok {
		return v, nil
	}
	v, err, _ := f.group.Do(url, func() (any, error) {
		if v, ok := f.cache.Get(url); ok {
			return v, nil
		}
		data, err := f.download(ctx, url)
		if err != nil {
			return "", err
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		f.cache.Add(url, encoded)
		return encoded, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *ImageFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create image request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

// DataURI wraps a base64 payload in a data URI, sniffing the image format
// from the payload prefix. Unknown formats are labelled jpeg.
func DataURI(payload string) string {
	return "data:" + ImageMIME(payload) + ";base64," + payload
}

// ImageMIME sniffs the MIME type of a base64 encoded image.
func ImageMIME(payload string) string {
	switch {
	case strings.HasPrefix(payload, "iVBOR"):
		return "image/png"
	case strings.HasPrefix(payload, "R0lG"):
		return "image/gif"
	case strings.HasPrefix(payload, "UklGR"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
