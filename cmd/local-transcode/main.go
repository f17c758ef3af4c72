// cmd/local-transcode runs the whole split / process / assemble pipeline in
// one process, without NATS or Postgres. Useful for trying profiles and
// chunk sizes against a local file.
//
// Usage:
//
//	./local-transcode -input clip.mov -output clip_720p.mp4
//	./local-transcode -input clip.mov -profile UHD_4K_HEVC -chunk-size 16MB -workers 8
//	./local-transcode -input clip.mov -probe  # Show metadata only
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/logging"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/pipeline"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/internal/storage"
)

func main() {
	input := flag.String("input", "", "Input video path (required)")
	output := flag.String("output", "", "Output path (default: input_<profile><ext>)")
	profileName := flag.String("profile", profile.DefaultPresetName, "Encoding profile name")
	profilesFile := flag.String("profiles", "", "YAML file with extra profiles")
	chunkSize := flag.String("chunk-size", "4MB", "Target chunk size")
	workers := flag.Int("workers", 4, "Concurrent chunk encodes")
	attempts := flag.Int("attempts", 3, "Encode attempts per chunk")
	workDir := flag.String("work-dir", "", "Scratch directory (default: a temp dir, removed on exit)")
	probe := flag.Bool("probe", false, "Show file metadata only (don't transcode)")
	timeout := flag.Duration("timeout", time.Hour, "Overall timeout")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	inputInfo, err := os.Stat(*input)
	if err != nil {
		log.Fatalf("❌ Input file not found: %s", *input)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ffmpeg := encoder.NewFFmpeg("ffmpeg", "ffprobe", nil)

	if *probe {
		fmt.Println("\n📊 File Metadata:")
		fmt.Println(strings.Repeat("-", 40))
		info, err := ffmpeg.Probe(ctx, *input)
		if err != nil {
			log.Fatalf("❌ Failed to probe file: %v", err)
		}
		printMediaInfo(info)
		return
	}

	var target datasize.ByteSize
	if err := target.UnmarshalText([]byte(*chunkSize)); err != nil || target == 0 {
		log.Fatalf("❌ Invalid -chunk-size %q", *chunkSize)
	}
	presets, err := profile.LoadPresets(*profilesFile)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	prof, err := presets.Lookup(*profileName)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	if *output == "" {
		ext := filepath.Ext(*input)
		*output = strings.TrimSuffix(*input, ext) + "_" + strings.ToLower(*profileName) + prof.Container().Extension()
	}

	scratch := *workDir
	if scratch == "" {
		scratch, err = os.MkdirTemp("", "local-transcode-*")
		if err != nil {
			log.Fatalf("❌ Failed to create work dir: %v", err)
		}
		defer os.RemoveAll(scratch)
	}

	logLevel := "warn"
	if *verbose {
		logLevel = "debug"
	}
	logger := logging.New(os.Stderr, "console", logLevel)

	meta := metadata.NewMemory()
	orch := pipeline.New(pipeline.Deps{
		Queue:    queue.NewMemory(logger),
		Barrier:  barrier.NewMemoryStore(),
		Metadata: meta,
		Encoder:  ffmpeg,
		Storage:  storage.NewLocal(scratch, logger),
		Logger:   logger,
	}, pipeline.Options{
		Layout:          layout.New(filepath.Join(scratch, "work"), filepath.Join(scratch, "out")),
		ChunkTargetSize: int64(target.Bytes()),
		MaxAttempts:     *attempts,
		TaskTimeout:     *timeout,
		RetryDelay:      time.Second,
		SplitWorkers:    1,
		ProcessWorkers:  *workers,
		AssembleWorkers: 1,
	})

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(runCtx, queue.Split, queue.Process, queue.Assemble) }()

	fmt.Printf("\n🎬 Transcoding with %s (%s chunks, %d workers)...\n", *profileName, target.HumanReadable(), *workers)
	start := time.Now()

	job, err := orch.Submit(ctx, *input, prof)
	if err != nil {
		log.Fatalf("❌ Submit failed: %v", err)
	}

	final, err := waitForJob(ctx, meta, job.ID)
	stopRun()
	<-runDone
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if final.Status == process.StatusError {
		log.Fatalf("❌ Transcode failed: %s", final.Reason)
	}

	if err := moveFile(final.OutputPath, *output); err != nil {
		log.Fatalf("❌ Failed to write output: %v", err)
	}
	duration := time.Since(start)

	outputInfo, err := os.Stat(*output)
	if err != nil {
		log.Fatalf("❌ Failed to read output file: %v", err)
	}

	fmt.Printf("\n✅ Transcode successful!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📁 Output: %s\n", *output)
	fmt.Printf("🧩 Chunks: %d\n", final.ChunkCount)
	fmt.Printf("📏 Size: %s\n", formatBytes(outputInfo.Size()))
	fmt.Printf("⏱️  Time: %v\n", duration.Round(time.Millisecond))

	if *verbose {
		fmt.Printf("\n📊 Input file: %s (%.1f MB)\n",
			*input, float64(inputInfo.Size())/(1024*1024))
		fmt.Printf("📊 Compression: %.1f%%\n",
			float64(outputInfo.Size())/float64(inputInfo.Size())*100)
	}

	fmt.Println()
}

// waitForJob polls the store until the video is done or errored.
func waitForJob(ctx context.Context, meta metadata.Store, videoID string) (*process.VideoJob, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := meta.Get(ctx, videoID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out in status %s: %w", job.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func printMediaInfo(info *encoder.MediaInfo) {
	if info.Width > 0 && info.Height > 0 {
		fmt.Printf("Dimensions: %dx%d pixels\n", info.Width, info.Height)
	}
	if info.Duration > 0 {
		fmt.Printf("Duration: %.2f seconds (%s)\n", info.Duration, formatDuration(info.Duration))
	}
	if info.Size > 0 {
		fmt.Printf("File Size: %s (%.2f MB)\n", formatBytes(info.Size), float64(info.Size)/(1024*1024))
	}
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats seconds into MM:SS format
func formatDuration(seconds float64) string {
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", mins, secs)
}
