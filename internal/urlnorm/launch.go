package urlnorm

import (
	"net/url"
	"strings"
)

// LaunchScheme is the URL scheme registered for browser extension hand-off.
const LaunchScheme = "youtubemaster"

// Mode selects which format preset a launch request should use.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// ParseMode maps a mode name to a Mode. Unknown or empty names yield ModeVideo.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeAudio)) {
		return ModeAudio
	}
	return ModeVideo
}

// Launch is a decoded launch URL.
type Launch struct {
	URL  string
	Mode Mode
}

// ParseLaunch decodes youtubemaster://video/<url>, youtubemaster://audio/<url>
// and the legacy youtubemaster://<url> form. ok is false when raw does not use
// the launch scheme or carries no target URL. The target is not normalized.
func ParseLaunch(raw string) (Launch, bool) {
	s := strings.TrimSpace(raw)
	prefix := LaunchScheme + "://"
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return Launch{}, false
	}
	rest := s[len(prefix):]

	mode := ModeVideo
	lower := strings.ToLower(rest)
	switch {
	case strings.HasPrefix(lower, "video/"):
		rest = rest[len("video/"):]
	case strings.HasPrefix(lower, "audio/"):
		rest = rest[len("audio/"):]
		mode = ModeAudio
	}

	if unescaped, err := url.PathUnescape(rest); err == nil {
		rest = unescaped
	}
	rest = strings.TrimSpace(rest)
	// Some browsers collapse "https://" to "https:/" when the target sits in a path.
	for _, scheme := range []string{"https:/", "http:/"} {
		if strings.HasPrefix(rest, scheme) && !strings.HasPrefix(rest, scheme+"/") {
			rest = scheme + "/" + rest[len(scheme):]
			break
		}
	}
	if rest == "" {
		return Launch{}, false
	}
	return Launch{URL: rest, Mode: mode}, true
}
