package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tendant/simple-transcoder/internal/profile"
)

const (
	maxOutputTail   = 2048
	maxChunks       = 100000
	minChunkSeconds = 0.05
)

// FFmpeg drives ffmpeg and ffprobe through exec.CommandContext, so callers
// bound every invocation with their context deadline.
type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	extraArgs  []string
}

// NewFFmpeg creates an FFmpeg encoder. Empty binary names fall back to
// "ffmpeg" and "ffprobe" on PATH; extraArgs are appended to every transcode.
func NewFFmpeg(ffmpegBin, ffprobeBin string, extraArgs []string) *FFmpeg {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &FFmpeg{ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin, extraArgs: extraArgs}
}

func (f *FFmpeg) Name() string {
	return "ffmpeg"
}

// Probe returns size and duration of the input file.
func (f *FFmpeg) Probe(ctx context.Context, input string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobeBin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=size,duration",
		"-of", "default=noprint_wrappers=1",
		input,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, tail(output))
	}
	return parseProbeOutput(output), nil
}

func parseProbeOutput(output []byte) *MediaInfo {
	info := &MediaInfo{}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				info.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				info.Height = h
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				info.Duration = d
			}
		case "size":
			if s, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Size = s
			}
		}
	}
	return info
}

// Segment cuts input into chunks with stream copy. Each chunk is its own
// ffmpeg run that seeks to the end of the previous chunk and stops once the
// output reaches maxBytes, so boundaries follow accumulated bytes rather
// than the average bitrate. Paths are returned in sequence order.
func (f *FFmpeg) Segment(ctx context.Context, input, pattern string, maxBytes int64) ([]string, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero (got %d)", maxBytes)
	}
	info, err := f.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(pattern), 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	return cutChunks(ctx, info.Duration, pattern, func(ctx context.Context, offset float64, path string) (float64, error) {
		if err := f.run(ctx, chunkArgs(input, path, offset, sizeLimit(maxBytes))); err != nil {
			return 0, err
		}
		chunk, err := f.Probe(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
		}
		return chunk.Duration, nil
	})
}

// cutFunc writes the chunk starting at offset seconds to path and returns its
// duration.
type cutFunc func(ctx context.Context, offset float64, path string) (float64, error)

// cutChunks calls cut with a growing offset until duration is covered.
func cutChunks(ctx context.Context, duration float64, pattern string, cut cutFunc) ([]string, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("cannot segment source with duration %.3f", duration)
	}

	var paths []string
	for offset := 0.0; duration-offset > minChunkSeconds; {
		if len(paths) >= maxChunks {
			return nil, fmt.Errorf("source needs more than %d chunks", maxChunks)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := fmt.Sprintf(pattern, len(paths))
		got, err := cut(ctx, offset, path)
		if err != nil {
			return nil, fmt.Errorf("cut chunk %d at %.3fs: %w", len(paths), offset, err)
		}
		if got <= 0 {
			return nil, fmt.Errorf("chunk %d at %.3fs is empty", len(paths), offset)
		}
		paths = append(paths, path)
		offset += got
	}
	return paths, nil
}

// sizeLimit leaves room for the last packet and the container trailer, which
// ffmpeg writes after the -fs limit is reached.
func sizeLimit(maxBytes int64) int64 {
	return max(maxBytes-maxBytes/32, 1)
}

func chunkArgs(input, output string, offset float64, limit int64) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-fs", strconv.FormatInt(limit, 10),
		"-avoid_negative_ts", "make_zero",
		"-f", "matroska",
		output,
	}
}

// Transcode scales and re-encodes a chunk. The muxer is named explicitly so
// output may carry a temporary suffix.
func (f *FFmpeg) Transcode(ctx context.Context, input, output string, prof profile.Profile) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return f.run(ctx, transcodeArgs(input, output, prof, f.extraArgs))
}

func transcodeArgs(input, output string, prof profile.Profile, extra []string) []string {
	width, height := prof.Dimensions()
	videoBitrate := prof.VideoBitrateValue()

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:force_divisible_by=2", width, height),
		"-c:v", prof.VideoEncoder(),
		"-pix_fmt", "yuv420p",
	}

	switch prof.VideoCodec() {
	case profile.VideoCodecH264, profile.VideoCodecH265:
		args = append(args,
			"-preset", prof.PresetValue(),
			"-crf", strconv.Itoa(prof.CRF()),
			"-maxrate", videoBitrate,
			"-bufsize", doubleRate(videoBitrate),
		)
	case profile.VideoCodecVP8, profile.VideoCodecVP9, profile.VideoCodecAV1:
		args = append(args,
			"-crf", strconv.Itoa(prof.CRF()),
			"-b:v", videoBitrate,
		)
	default:
		args = append(args, "-b:v", videoBitrate)
	}

	args = append(args,
		"-c:a", prof.AudioEncoder(),
		"-b:a", prof.AudioBitrateValue(),
	)
	args = append(args, extra...)
	return append(args, "-f", string(prof.Container()), output)
}

// doubleRate doubles an ffmpeg rate string such as "2M" or "500k".
func doubleRate(rate string) string {
	if rate == "" {
		return rate
	}
	unit := rate[len(rate)-1:]
	number := rate
	if strings.ContainsAny(unit, "kKmMgG") {
		number = rate[:len(rate)-1]
	} else {
		unit = ""
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return rate
	}
	return strconv.Itoa(n*2) + unit
}

// Concat joins inputs with the concat demuxer.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errors.New("concat: no inputs")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	list, err := os.CreateTemp(filepath.Dir(output), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	listPath := list.Name()
	defer os.Remove(listPath)

	if err := writeConcatList(list, inputs); err != nil {
		list.Close()
		return err
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("close concat list: %w", err)
	}

	return f.run(ctx, []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	})
}

// writeConcatList writes one `file '<path>'` line per input, escaping single
// quotes for the concat demuxer.
func writeConcatList(w *os.File, inputs []string) error {
	var buf strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", in, err)
		}
		fmt.Fprintf(&buf, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if _, err := w.WriteString(buf.String()); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegBin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, tail(output))
	}
	return nil
}

func tail(output []byte) string {
	if len(output) > maxOutputTail {
		output = output[len(output)-maxOutputTail:]
	}
	return string(output)
}
