package profile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Presets maps a preset name to a validated Profile.
type Presets map[string]Profile

// DefaultPresetName is the preset used when a submission names none.
const DefaultPresetName = "HD_720_STANDARD"

// BuiltinPresets returns the presets available without a presets file.
func BuiltinPresets() Presets {
	return Presets{
		DefaultPresetName: Default(),
		"MOBILE_360_LOW": MustNew(Params{
			Resolution: "MOBILE_360", VideoBitrate: "MOBILE", AudioBitrate: "LOW",
			VideoCodec: "H264", AudioCodec: "AAC", Quality: "MEDIUM", Preset: "FAST",
		}),
		"SD_480_MOBILE": MustNew(Params{
			Resolution: "SD_480", VideoBitrate: "MOBILE", AudioBitrate: "LOW",
			VideoCodec: "H264", AudioCodec: "AAC", Quality: "HIGH", Preset: "FAST",
		}),
		"FHD_1080_HIGH": MustNew(Params{
			Resolution: "FHD_1080", VideoBitrate: "HIGH", AudioBitrate: "HIGH",
			VideoCodec: "H264", AudioCodec: "AAC", Quality: "HIGH", Preset: "MEDIUM",
		}),
		"UHD_4K_HEVC": MustNew(Params{
			Resolution: "UHD_4K", VideoBitrate: "ULTRA", AudioBitrate: "HIGH",
			VideoCodec: "H265", AudioCodec: "AAC", Quality: "HIGH", Preset: "SLOW",
		}),
		"HD_720_VP9": MustNew(Params{
			Resolution: "HD_720", VideoBitrate: "STANDARD", AudioBitrate: "STANDARD",
			VideoCodec: "VP9", AudioCodec: "OPUS", Quality: "MEDIUM", Preset: "MEDIUM",
		}),
	}
}

type presetFile struct {
	Profiles map[string]Params `yaml:"profiles"`
}

// LoadPresets reads a YAML presets file and merges it over the builtin
// presets. An empty path returns the builtins. Every entry is validated; one
// invalid entry fails the whole file.
//
// Example:
//
//	profiles:
//	  archive:
//	    resolution: FHD_1080
//	    video_bitrate: HIGH
//	    audio_bitrate: HIGH
//	    video_codec: H265
//	    audio_codec: AAC
//	    crf_value: VERY_HIGH
//	    preset: SLOW
func LoadPresets(path string) (Presets, error) {
	out := BuiltinPresets()
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets file %s: %w", path, err)
	}

	for name, params := range file.Profiles {
		prof, err := New(params)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		out[strings.ToUpper(name)] = prof
	}
	return out, nil
}

// Lookup returns the named preset. Names are case-insensitive; an empty name
// selects DefaultPresetName.
func (p Presets) Lookup(name string) (Profile, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultPresetName
	}
	prof, ok := p[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(p.Names(), ", "))
	}
	return prof, nil
}

// Names returns the sorted preset names.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
