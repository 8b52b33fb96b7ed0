package export

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// resampleQuality is the beep resampler quality used for tier conversion
const resampleQuality = 4

// encodeChunk is how many frames are written between cancellation checks
const encodeChunk = 1 << 15

// encode writes frames to a work file private to this export; name only
// contributes its extension. The file only appears under its final name
// once it is complete.
func (e *Exporter) encode(ctx context.Context, frames [][2]float64, tier Tier, opts Options, name string) (string, error) {
	if err := os.MkdirAll(e.cfg.WorkDir, 0755); err != nil {
		return "", stageError(StageEncoding, "cannot create work directory", err)
	}
	final := filepath.Join(e.cfg.WorkDir, uuid.New().String()+filepath.Ext(name))
	part := final + ".part"

	var err error
	switch opts.Format {
	case FormatMP3:
		err = e.encodeMP3(ctx, frames, tier, opts.BitrateKbps, part)
	default:
		err = writeWAV(ctx, frames, tier, part)
	}
	if err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			return "", ErrCancelled
		}
		return "", stageError(StageEncoding, "encoding failed", err)
	}

	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return "", stageError(StageEncoding, "cannot finalize file", err)
	}
	return final, nil
}

// writeWAV encodes frames as PCM WAV at the tier's rate and depth
func writeWAV(ctx context.Context, frames [][2]float64, tier Tier, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, int(tier.SampleRate), tier.BitDepth, 2, 1)
	scale := float64(int64(1)<<(tier.BitDepth-1)) - 1
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: int(tier.SampleRate)},
		SourceBitDepth: tier.BitDepth,
	}

	for pos := 0; pos < len(frames); pos += encodeChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(pos+encodeChunk, len(frames))
		data := make([]int, 0, 2*(end-pos))
		for _, fr := range frames[pos:end] {
			data = append(data, quantize(fr[0], scale), quantize(fr[1], scale))
		}
		buf.Data = data
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write samples: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish wav: %w", err)
	}
	return nil
}

func quantize(v, scale float64) int {
	v = math.Max(-1, math.Min(1, v))
	return int(math.Round(v * scale))
}

// encodeMP3 writes a 16-bit intermediate WAV and has ffmpeg encode it
func (e *Exporter) encodeMP3(ctx context.Context, frames [][2]float64, tier Tier, bitrate int, path string) error {
	if _, err := exec.LookPath(e.cfg.FFmpegPath); err != nil {
		return fmt.Errorf("mp3 export needs ffmpeg: %w", err)
	}

	tmp := path + ".wav"
	defer os.Remove(tmp)
	if err := writeWAV(ctx, frames, Tier{SampleRate: tier.SampleRate, BitDepth: 16}, tmp); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath,
		"-y",
		"-i", tmp,
		"-codec:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrate),
		"-f", "mp3",
		"-loglevel", "error",
		path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
