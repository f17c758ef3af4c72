// Package profile defines the validated encoding parameters applied uniformly to
// every chunk of a video.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resolution names a target frame size.
type Resolution string

const (
	ResolutionUHD4K     Resolution = "UHD_4K"
	ResolutionQHD2K     Resolution = "QHD_2K"
	ResolutionFHD1080   Resolution = "FHD_1080"
	ResolutionHD720     Resolution = "HD_720"
	ResolutionSD480     Resolution = "SD_480"
	ResolutionMobile360 Resolution = "MOBILE_360"
)

var resolutions = map[Resolution][2]int{
	ResolutionUHD4K:     {3840, 2160},
	ResolutionQHD2K:     {2560, 1440},
	ResolutionFHD1080:   {1920, 1080},
	ResolutionHD720:     {1280, 720},
	ResolutionSD480:     {854, 480},
	ResolutionMobile360: {640, 360},
}

// VideoBitrate names a target video bitrate.
type VideoBitrate string

const (
	VideoBitrateUltra    VideoBitrate = "ULTRA"
	VideoBitrateHigh     VideoBitrate = "HIGH"
	VideoBitrateStandard VideoBitrate = "STANDARD"
	VideoBitrateLow      VideoBitrate = "LOW"
	VideoBitrateMobile   VideoBitrate = "MOBILE"
)

var videoBitrates = map[VideoBitrate]string{
	VideoBitrateUltra:    "8M",
	VideoBitrateHigh:     "4M",
	VideoBitrateStandard: "2M",
	VideoBitrateLow:      "1M",
	VideoBitrateMobile:   "500k",
}

// AudioBitrate names a target audio bitrate.
type AudioBitrate string

const (
	AudioBitrateHigh     AudioBitrate = "HIGH"
	AudioBitrateStandard AudioBitrate = "STANDARD"
	AudioBitrateLow      AudioBitrate = "LOW"
)

var audioBitrates = map[AudioBitrate]string{
	AudioBitrateHigh:     "192k",
	AudioBitrateStandard: "128k",
	AudioBitrateLow:      "64k",
}

// VideoCodec names an ffmpeg video encoder.
type VideoCodec string

const (
	VideoCodecH264  VideoCodec = "H264"
	VideoCodecH265  VideoCodec = "H265"
	VideoCodecVP8   VideoCodec = "VP8"
	VideoCodecVP9   VideoCodec = "VP9"
	VideoCodecAV1   VideoCodec = "AV1"
	VideoCodecMPEG4 VideoCodec = "MPEG4"
)

var videoCodecs = map[VideoCodec]string{
	VideoCodecH264:  "libx264",
	VideoCodecH265:  "libx265",
	VideoCodecVP8:   "libvpx",
	VideoCodecVP9:   "libvpx-vp9",
	VideoCodecAV1:   "libaom-av1",
	VideoCodecMPEG4: "mpeg4",
}

// AudioCodec names an ffmpeg audio encoder.
type AudioCodec string

const (
	AudioCodecAAC      AudioCodec = "AAC"
	AudioCodecMP3      AudioCodec = "MP3"
	AudioCodecOpus     AudioCodec = "OPUS"
	AudioCodecVorbis   AudioCodec = "VORBIS"
	AudioCodecFLAC     AudioCodec = "FLAC"
	AudioCodecPCMS16LE AudioCodec = "PCM_S16LE"
)

var audioCodecs = map[AudioCodec]string{
	AudioCodecAAC:      "aac",
	AudioCodecMP3:      "libmp3lame",
	AudioCodecOpus:     "libopus",
	AudioCodecVorbis:   "libvorbis",
	AudioCodecFLAC:     "flac",
	AudioCodecPCMS16LE: "pcm_s16le",
}

// Quality names a constant rate factor.
type Quality string

const (
	QualityVeryHigh Quality = "VERY_HIGH"
	QualityHigh     Quality = "HIGH"
	QualityMedium   Quality = "MEDIUM"
	QualityLow      Quality = "LOW"
	QualityVeryLow  Quality = "VERY_LOW"
)

var qualities = map[Quality]int{
	QualityVeryHigh: 18,
	QualityHigh:     23,
	QualityMedium:   28,
	QualityLow:      35,
	QualityVeryLow:  40,
}

// Preset names an encoder speed preset.
type Preset string

const (
	PresetUltrafast Preset = "ULTRAFAST"
	PresetFast      Preset = "FAST"
	PresetMedium    Preset = "MEDIUM"
	PresetSlow      Preset = "SLOW"
	PresetVerySlow  Preset = "VERYSLOW"
)

var presets = map[Preset]string{
	PresetUltrafast: "ultrafast",
	PresetFast:      "fast",
	PresetMedium:    "medium",
	PresetSlow:      "slow",
	PresetVerySlow:  "veryslow",
}

// Container is the output muxer family implied by the chosen codecs.
type Container string

const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
	ContainerMKV  Container = "matroska"
)

// Extension returns the file extension (with dot) for the container.
func (c Container) Extension() string {
	switch c {
	case ContainerWebM:
		return ".webm"
	case ContainerMKV:
		return ".mkv"
	default:
		return ".mp4"
	}
}

// ErrInvalidProfile is wrapped by every validation failure from New.
var ErrInvalidProfile = errors.New("invalid encoding profile")

// Params is the serializable, unvalidated form of a Profile. Field values are
// enumeration names such as "HD_720" or "H264".
type Params struct {
	Resolution   string `json:"resolution" yaml:"resolution"`
	VideoBitrate string `json:"video_bitrate" yaml:"video_bitrate"`
	AudioBitrate string `json:"audio_bitrate" yaml:"audio_bitrate"`
	VideoCodec   string `json:"video_codec" yaml:"video_codec"`
	AudioCodec   string `json:"audio_codec" yaml:"audio_codec"`
	Quality      string `json:"crf_value" yaml:"crf_value"`
	Preset       string `json:"preset" yaml:"preset"`
}

// Profile is an immutable, validated set of transcode parameters. The zero
// value is not valid; build one with New or Default.
type Profile struct {
	resolution   Resolution
	videoBitrate VideoBitrate
	audioBitrate AudioBitrate
	videoCodec   VideoCodec
	audioCodec   AudioCodec
	quality      Quality
	preset       Preset
	container    Container
}

// New validates p and returns the corresponding Profile.
func New(p Params) (Profile, error) {
	var problems []string

	res := Resolution(normalize(p.Resolution))
	if _, ok := resolutions[res]; !ok {
		problems = append(problems, fmt.Sprintf("resolution %q not one of %s", p.Resolution, keys(resolutions)))
	}
	vb := VideoBitrate(normalize(p.VideoBitrate))
	if _, ok := videoBitrates[vb]; !ok {
		problems = append(problems, fmt.Sprintf("video bitrate %q not one of %s", p.VideoBitrate, keys(videoBitrates)))
	}
	ab := AudioBitrate(normalize(p.AudioBitrate))
	if _, ok := audioBitrates[ab]; !ok {
		problems = append(problems, fmt.Sprintf("audio bitrate %q not one of %s", p.AudioBitrate, keys(audioBitrates)))
	}
	vc := VideoCodec(normalize(p.VideoCodec))
	if _, ok := videoCodecs[vc]; !ok {
		problems = append(problems, fmt.Sprintf("video codec %q not one of %s", p.VideoCodec, keys(videoCodecs)))
	}
	ac := AudioCodec(normalize(p.AudioCodec))
	if _, ok := audioCodecs[ac]; !ok {
		problems = append(problems, fmt.Sprintf("audio codec %q not one of %s", p.AudioCodec, keys(audioCodecs)))
	}
	q := Quality(normalize(p.Quality))
	if _, ok := qualities[q]; !ok {
		problems = append(problems, fmt.Sprintf("crf value %q not one of %s", p.Quality, keys(qualities)))
	}
	pr := Preset(normalize(p.Preset))
	if _, ok := presets[pr]; !ok {
		problems = append(problems, fmt.Sprintf("preset %q not one of %s", p.Preset, keys(presets)))
	}

	if len(problems) > 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrInvalidProfile, strings.Join(problems, "; "))
	}

	container, err := containerFor(vc, ac)
	if err != nil {
		return Profile{}, err
	}

	return Profile{
		resolution:   res,
		videoBitrate: vb,
		audioBitrate: ab,
		videoCodec:   vc,
		audioCodec:   ac,
		quality:      q,
		preset:       pr,
		container:    container,
	}, nil
}

// MustNew is New for static profiles known to be valid.
func MustNew(p Params) Profile {
	prof, err := New(p)
	if err != nil {
		panic(err)
	}
	return prof
}

// containerFor picks the muxer for a codec pair and rejects pairs no muxer
// can carry.
func containerFor(vc VideoCodec, ac AudioCodec) (Container, error) {
	switch vc {
	case VideoCodecVP8, VideoCodecVP9:
		if ac == AudioCodecOpus || ac == AudioCodecVorbis {
			return ContainerWebM, nil
		}
		return "", fmt.Errorf("%w: video codec %s requires OPUS or VORBIS audio, got %s", ErrInvalidProfile, vc, ac)
	}
	switch ac {
	case AudioCodecAAC, AudioCodecMP3, AudioCodecOpus:
		return ContainerMP4, nil
	case AudioCodecFLAC, AudioCodecPCMS16LE, AudioCodecVorbis:
		return ContainerMKV, nil
	}
	return "", fmt.Errorf("%w: unsupported codec pair %s/%s", ErrInvalidProfile, vc, ac)
}

// Default returns the profile used when a submission names none.
func Default() Profile {
	return MustNew(Params{
		Resolution:   string(ResolutionHD720),
		VideoBitrate: string(VideoBitrateStandard),
		AudioBitrate: string(AudioBitrateStandard),
		VideoCodec:   string(VideoCodecH264),
		AudioCodec:   string(AudioCodecAAC),
		Quality:      string(QualityHigh),
		Preset:       string(PresetFast),
	})
}

// IsZero reports whether p was never constructed.
func (p Profile) IsZero() bool { return p.resolution == "" }

func (p Profile) Resolution() Resolution     { return p.resolution }
func (p Profile) VideoBitrate() VideoBitrate { return p.videoBitrate }
func (p Profile) AudioBitrate() AudioBitrate { return p.audioBitrate }
func (p Profile) VideoCodec() VideoCodec     { return p.videoCodec }
func (p Profile) AudioCodec() AudioCodec     { return p.audioCodec }
func (p Profile) Quality() Quality           { return p.quality }
func (p Profile) Preset() Preset             { return p.preset }
func (p Profile) Container() Container       { return p.container }

// Dimensions returns the target width and height.
func (p Profile) Dimensions() (width, height int) {
	d := resolutions[p.resolution]
	return d[0], d[1]
}

// VideoBitrateValue returns the ffmpeg bitrate string, e.g. "2M".
func (p Profile) VideoBitrateValue() string { return videoBitrates[p.videoBitrate] }

// AudioBitrateValue returns the ffmpeg bitrate string, e.g. "128k".
func (p Profile) AudioBitrateValue() string { return audioBitrates[p.audioBitrate] }

// VideoEncoder returns the ffmpeg encoder name, e.g. "libx264".
func (p Profile) VideoEncoder() string { return videoCodecs[p.videoCodec] }

// AudioEncoder returns the ffmpeg encoder name, e.g. "aac".
func (p Profile) AudioEncoder() string { return audioCodecs[p.audioCodec] }

// CRF returns the constant rate factor.
func (p Profile) CRF() int { return qualities[p.quality] }

// PresetValue returns the ffmpeg preset name, e.g. "fast".
func (p Profile) PresetValue() string { return presets[p.preset] }

// Params returns the serializable form of p.
func (p Profile) Params() Params {
	return Params{
		Resolution:   string(p.resolution),
		VideoBitrate: string(p.videoBitrate),
		AudioBitrate: string(p.audioBitrate),
		VideoCodec:   string(p.videoCodec),
		AudioCodec:   string(p.audioCodec),
		Quality:      string(p.quality),
		Preset:       string(p.preset),
	}
}

func (p Profile) String() string {
	w, h := p.Dimensions()
	return fmt.Sprintf("%dx%d %s/%s v=%s a=%s crf=%d preset=%s",
		w, h, p.VideoEncoder(), p.AudioEncoder(), p.VideoBitrateValue(), p.AudioBitrateValue(), p.CRF(), p.PresetValue())
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Params())
}

// UnmarshalJSON validates the decoded parameters, so a Profile read from a
// store or a task payload is always valid.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return err
	}
	prof, err := New(params)
	if err != nil {
		return err
	}
	*p = prof
	return nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func keys[K ~string, V any](m map[K]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
