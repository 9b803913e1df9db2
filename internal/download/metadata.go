package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ytmaster/internal/logging"
	"ytmaster/internal/urlnorm"
)

// Metadata is the display information for a key.
type Metadata struct {
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	DurationSec  int64  `json:"duration,omitempty"`
}

// MetadataFetcher retrieves display metadata without downloading media.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, key urlnorm.Key) (Metadata, error)
}

const (
	defaultYouTubeAPIBase  = "https://www.googleapis.com/youtube/v3"
	defaultYouTubeOEmbed   = "https://www.youtube.com/oembed"
	defaultBilibiliAPIBase = "https://api.bilibili.com"
)

// PlatformFetcher queries each platform's public API directly.
type PlatformFetcher struct {
	Client *http.Client
	// YouTubeAPIKey enables the YouTube Data API; without it oEmbed is used.
	YouTubeAPIKey   string
	YouTubeAPIBase  string
	YouTubeOEmbed   string
	BilibiliAPIBase string
}

// NewPlatformFetcher returns a fetcher with a 10 second HTTP timeout.
func NewPlatformFetcher(youtubeAPIKey string) *PlatformFetcher {
	return &PlatformFetcher{
		Client:        &http.Client{Timeout: 10 * time.Second},
		YouTubeAPIKey: youtubeAPIKey,
	}
}

// FetchMetadata implements MetadataFetcher.
func (f *PlatformFetcher) FetchMetadata(ctx context.Context, key urlnorm.Key) (Metadata, error) {
	var (
		md  Metadata
		err error
	)
	switch key.Platform {
	case urlnorm.YouTube:
		if f.YouTubeAPIKey != "" {
			md, err = f.youtubeDataAPI(ctx, key.ID)
		} else {
			md, err = f.youtubeOEmbed(ctx, key)
		}
		if md.ThumbnailURL == "" {
			md.ThumbnailURL = urlnorm.ThumbnailURL(key)
		}
	case urlnorm.Bilibili:
		md, err = f.bilibiliView(ctx, key.ID)
	default:
		err = fmt.Errorf("%w: platform %q", ErrNoMediaInfo, key.Platform)
	}
	logging.LogMetadataFetch(key.URL(), "platform", err)
	return md, err
}

func (f *PlatformFetcher) youtubeDataAPI(ctx context.Context, id string) (Metadata, error) {
	base := f.YouTubeAPIBase
	if base == "" {
		base = defaultYouTubeAPIBase
	}
	q := url.Values{"part": {"snippet"}, "id": {id}, "key": {f.YouTubeAPIKey}}
	var resp struct {
		Items []struct {
			Snippet struct {
				Title      string `json:"title"`
				Thumbnails map[string]struct {
					URL string `json:"url"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := f.getJSON(ctx, base+"/videos?"+q.Encode(), &resp); err != nil {
		return Metadata{}, err
	}
	if len(resp.Items) == 0 {
		return Metadata{}, fmt.Errorf("%w: video %s not found", ErrNoMediaInfo, id)
	}
	sn := resp.Items[0].Snippet
	md := Metadata{Title: sn.Title}
	for _, size := range []string{"medium", "default", "high"} {
		if t, ok := sn.Thumbnails[size]; ok && t.URL != "" {
			md.ThumbnailURL = t.URL
			break
		}
	}
	return md, nil
}

func (f *PlatformFetcher) youtubeOEmbed(ctx context.Context, key urlnorm.Key) (Metadata, error) {
	base := f.YouTubeOEmbed
	if base == "" {
		base = defaultYouTubeOEmbed
	}
	q := url.Values{"url": {key.URL()}, "format": {"json"}}
	var resp struct {
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	if err := f.getJSON(ctx, base+"?"+q.Encode(), &resp); err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: resp.Title, ThumbnailURL: resp.ThumbnailURL}, nil
}

func (f *PlatformFetcher) bilibiliView(ctx context.Context, bvid string) (Metadata, error) {
	base := f.BilibiliAPIBase
	if base == "" {
		base = defaultBilibiliAPIBase
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Title    string `json:"title"`
			Pic      string `json:"pic"`
			Duration int64  `json:"duration"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, base+"/x/web-interface/view?bvid="+url.QueryEscape(bvid), &resp); err != nil {
		return Metadata{}, err
	}
	if resp.Code != 0 {
		return Metadata{}, fmt.Errorf("%w: bilibili code %d: %s", ErrNoMediaInfo, resp.Code, resp.Message)
	}
	return Metadata{Title: resp.Data.Title, ThumbnailURL: resp.Data.Pic, DurationSec: resp.Data.Duration}, nil
}

func (f *PlatformFetcher) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ytmaster)")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("metadata request: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
}

// ChainFetcher asks each fetcher in turn and returns the first result that
// has a title. A thumbnail found by an earlier fetcher is kept.
type ChainFetcher []MetadataFetcher

// FetchMetadata implements MetadataFetcher.
func (c ChainFetcher) FetchMetadata(ctx context.Context, key urlnorm.Key) (Metadata, error) {
	var (
		best Metadata
		errs []error
	)
	for _, f := range c {
		md, err := f.FetchMetadata(ctx, key)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		if best.ThumbnailURL == "" {
			best.ThumbnailURL = md.ThumbnailURL
		}
		if best.DurationSec == 0 {
			best.DurationSec = md.DurationSec
		}
		if md.Title != "" {
			best.Title = md.Title
			return best, nil
		}
	}
	if best.ThumbnailURL != "" {
		return best, nil
	}
	if len(errs) == 0 {
		return Metadata{}, ErrNoMediaInfo
	}
	return Metadata{}, errors.Join(errs...)
}

// CachedFetcher memoizes successful lookups in an LRU cache.
type CachedFetcher struct {
	next  MetadataFetcher
	cache *lru.Cache[urlnorm.Key, Metadata]
}

// NewCachedFetcher wraps next with a cache of size entries.
func NewCachedFetcher(next MetadataFetcher, size int) (*CachedFetcher, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[urlnorm.Key, Metadata](size)
	if err != nil {
		return nil, err
	}
	return &CachedFetcher{next: next, cache: cache}, nil
}

// FetchMetadata implements MetadataFetcher.
func (c *CachedFetcher) FetchMetadata(ctx context.Context, key urlnorm.Key) (Metadata, error) {
	if md, ok := c.cache.Get(key); ok {
		return md, nil
	}
	md, err := c.next.FetchMetadata(ctx, key)
	if err != nil {
		return md, err
	}
	if md.Title != "" {
		c.cache.Add(key, md)
	}
	return md, nil
}
