// Package urlnorm maps raw user or extension input to canonical download keys.
//
// Supported platforms form a fixed table; detection happens once during
// Normalize and the resulting Key carries the platform tag from then on.
package urlnorm

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Platform identifies the video site a key belongs to.
type Platform string

const (
	YouTube  Platform = "youtube"
	Bilibili Platform = "bilibili"
)

// Key is the canonical identity of a download. Two keys are the same item
// exactly when they compare equal.
type Key struct {
	Platform Platform
	ID       string
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k.Platform == "" && k.ID == "" }

// URL returns the canonical URL for the key.
func (k Key) URL() string {
	spec, ok := lookupPlatform(k.Platform)
	if !ok {
		return ""
	}
	return spec.canonical(k.ID)
}

func (k Key) String() string { return k.URL() }

// MarshalText encodes the key as its canonical URL.
func (k Key) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	return []byte(k.URL()), nil
}

// UnmarshalText accepts anything Normalize accepts.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = Key{}
		return nil
	}
	parsed, err := Normalize(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type platformSpec struct {
	platform  Platform
	hosts     []string
	bareID    *regexp.Regexp
	urlID     *regexp.Regexp
	idFromURL func(u *url.URL) string
	canonical func(id string) string
}

var (
	youtubeBareID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	youtubeURLID  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	bilibiliID    = regexp.MustCompile(`BV[A-Za-z0-9]{10}`)
	bilibiliBare  = regexp.MustCompile(`^BV[A-Za-z0-9]{10}$`)
)

var platforms = []platformSpec{
	{
		platform:  YouTube,
		hosts:     []string{"youtube.com", "youtu.be", "youtube-nocookie.com"},
		bareID:    youtubeBareID,
		urlID:     youtubeURLID,
		idFromURL: youtubeIDFromURL,
		canonical: func(id string) string { return "https://www.youtube.com/watch?v=" + id },
	},
	{
		platform:  Bilibili,
		hosts:     []string{"bilibili.com"},
		bareID:    bilibiliBare,
		urlID:     bilibiliBare,
		idFromURL: func(u *url.URL) string { return bilibiliID.FindString(u.Path) },
		canonical: func(id string) string { return "https://www.bilibili.com/video/" + id },
	},
}

func lookupPlatform(p Platform) (platformSpec, bool) {
	for _, spec := range platforms {
		if spec.platform == p {
			return spec, true
		}
	}
	return platformSpec{}, false
}

func lookupHost(host string) (platformSpec, bool) {
	for _, spec := range platforms {
		for _, h := range spec.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return spec, true
			}
		}
	}
	return platformSpec{}, false
}

// Normalize converts raw input (a URL, a scheme-less URL or a bare video ID)
// into a Key. Query parameters other than the video ID are discarded, so
// timestamps, playlists and tracking parameters never split one video into
// several keys. Normalizing a key's canonical URL yields the same key.
func Normalize(raw string) (Key, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Key{}, ErrInvalidInput
	}

	for _, spec := range platforms {
		if spec.bareID.MatchString(s) {
			return Key{Platform: spec.platform, ID: s}, nil
		}
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Key{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Key{}, fmt.Errorf("%w: missing host", ErrInvalidInput)
	}

	spec, ok := lookupHost(host)
	if !ok {
		return Key{}, fmt.Errorf("%w: host %s", ErrUnrecognized, host)
	}
	id := spec.idFromURL(u)
	if id == "" || !spec.urlID.MatchString(id) {
		return Key{}, fmt.Errorf("%w: no %s video id in %s", ErrUnrecognized, spec.platform, u.Path)
	}
	return Key{Platform: spec.platform, ID: id}, nil
}

func youtubeIDFromURL(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	if host == "youtu.be" || strings.HasSuffix(host, ".youtu.be") {
		return segments[0]
	}
	if len(segments) == 0 {
		return ""
	}
	switch segments[0] {
	case "watch":
		return u.Query().Get("v")
	case "v", "e", "embed", "shorts", "live":
		if len(segments) > 1 {
			return segments[1]
		}
	}
	return ""
}

// ThumbnailURL returns a thumbnail that can be derived from the key alone,
// or "" when the platform needs an API lookup for it.
func ThumbnailURL(k Key) string {
	if k.Platform == YouTube && k.ID != "" {
		return "https://img.youtube.com/vi/" + k.ID + "/mqdefault.jpg"
	}
	return ""
}
