// Package layout owns the on-disk naming convention shared by every stage.
// Sequence numbers are zero padded so lexical order equals temporal order.
package layout

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	sequenceDigits  = 5
	chunkPrefix     = "chunk_"
	processedPrefix = "processed_"
	chunkExt        = ".mkv"
	partialMarker   = ".part"
)

// Layout resolves paths under a work directory (chunks, processed chunks)
// and an output directory (final artifacts).
type Layout struct {
	WorkDir   string
	OutputDir string
}

func New(workDir, outputDir string) Layout {
	return Layout{WorkDir: workDir, OutputDir: outputDir}
}

// PadSequence renders a chunk sequence, e.g. 7 -> "00007".
func PadSequence(seq int) string {
	return fmt.Sprintf("%0*d", sequenceDigits, seq)
}

func (l Layout) ChunkDir(videoID string) string {
	return filepath.Join(l.WorkDir, "chunks", videoID)
}

// ChunkPattern is the printf-style output pattern handed to the segmenter.
func (l Layout) ChunkPattern(videoID string) string {
	return filepath.Join(l.ChunkDir(videoID), fmt.Sprintf("%s%%0%dd%s", chunkPrefix, sequenceDigits, chunkExt))
}

func (l Layout) ChunkPath(videoID string, seq int) string {
	return filepath.Join(l.ChunkDir(videoID), chunkPrefix+PadSequence(seq)+chunkExt)
}

func (l Layout) ProcessedDir(videoID string) string {
	return filepath.Join(l.WorkDir, "processed", videoID)
}

// ProcessedPath names the transcoded form of a chunk. ext includes the dot.
func (l Layout) ProcessedPath(videoID string, seq int, ext string) string {
	return filepath.Join(l.ProcessedDir(videoID), processedPrefix+chunkPrefix+PadSequence(seq)+ext)
}

func (l Layout) OutputPath(videoID, ext string) string {
	return filepath.Join(l.OutputDir, videoID+ext)
}

// PartialPath returns the temporary name a file is written under before it
// is renamed into place. The extension is kept last so muxers can still be
// inferred from it.
func PartialPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + partialMarker + ext
}

// ParseSequence recovers the sequence number from a chunk or processed
// chunk file name.
func ParseSequence(path string) (int, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(stem, "_")
	if idx < 0 || !strings.HasPrefix(stem, chunkPrefix) && !strings.HasPrefix(stem, processedPrefix) {
		return 0, fmt.Errorf("not a chunk file name: %s", base)
	}
	digits := stem[idx+1:]
	if len(digits) < sequenceDigits {
		return 0, fmt.Errorf("chunk sequence %q in %s is not zero padded", digits, base)
	}
	seq, err := strconv.Atoi(digits)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid chunk sequence in %s", base)
	}
	return seq, nil
}
