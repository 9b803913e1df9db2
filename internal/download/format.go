package download

import (
	"fmt"

	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// Preset is a user-facing quality selection. Resolution 0 means audio only.
type Preset struct {
	Resolution int  `yaml:"resolution" json:"resolution"`
	HTTPS      bool `yaml:"https" json:"https"`
	M4A        bool `yaml:"m4a" json:"m4a"`
}

// Resolutions lists the video heights offered to users.
var Resolutions = []int{1080, 720, 480}

// DefaultPreset is 1080p over HTTPS with MP4/M4A streams.
var DefaultPreset = Preset{Resolution: 1080, HTTPS: true, M4A: true}

// ResolveFormat turns a preset into a yt-dlp format selector and merge format.
func ResolveFormat(p Preset) model.FormatOptions {
	if p.Resolution <= 0 {
		format := "bestaudio"
		if p.HTTPS {
			format += "[protocol=https]"
		}
		if p.M4A {
			return model.FormatOptions{Format: format + "[ext=m4a]", MergeOutputFormat: "m4a"}
		}
		return model.FormatOptions{Format: format + "/best"}
	}

	video := fmt.Sprintf("bestvideo[height<=%d]", p.Resolution)
	audio := "bestaudio"
	fallback := fmt.Sprintf("best[height<=%d]", p.Resolution)
	if p.HTTPS {
		video += "[protocol=https]"
		audio += "[protocol=https]"
		fallback += "[protocol=https]"
	}
	if p.M4A {
		video += "[ext=mp4]"
		audio += "[ext=m4a]"
		fallback += "[ext=mp4]"
	}
	opts := model.FormatOptions{Format: video + "+" + audio + "/" + fallback + "/best"}
	if p.M4A {
		opts.MergeOutputFormat = "mp4"
	}
	return opts
}

// PresetForMode returns base adjusted for a launch mode: audio mode drops the
// video stream and keeps the protocol and container preferences.
func PresetForMode(base Preset, mode urlnorm.Mode) Preset {
	if mode == urlnorm.ModeAudio {
		base.Resolution = 0
	} else if base.Resolution <= 0 {
		base.Resolution = DefaultPreset.Resolution
	}
	return base
}
