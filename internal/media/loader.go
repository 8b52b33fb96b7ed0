package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"stemmix/internal/cache"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
	"github.com/sirupsen/logrus"
)

// resampleQuality trades CPU for fidelity when converting source rates
const resampleQuality = 4

// LoaderConfig configures source resolution and decoding
type LoaderConfig struct {
	SampleRate   beep.SampleRate
	FFmpegPath   string
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	CacheEntries int
}

// Loader turns a source URL into a decoded Clip at the engine rate
type Loader struct {
	cfg    LoaderConfig
	client *http.Client
	clips  *cache.MemoryCache[*Clip]
	logger *logrus.Logger
}

// NewLoader creates a loader. A zero CacheTTL disables caching.
func NewLoader(cfg LoaderConfig, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}

	l := &Loader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger,
	}
	if cfg.CacheTTL > 0 {
		l.clips = cache.NewMemoryCache[*Clip](cfg.CacheTTL, cfg.CacheEntries)
	}
	return l
}

// SampleRate returns the rate clips are decoded to
func (l *Loader) SampleRate() beep.SampleRate { return l.cfg.SampleRate }

// Close releases the clip cache
func (l *Loader) Close() {
	if l.clips != nil {
		l.clips.Close()
	}
}

// Load fetches and decodes a source. Local paths, file:// and http(s) URLs
// are accepted.
func (l *Loader) Load(ctx context.Context, source string) (*Clip, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrUnsupportedSource)
	}

	if l.clips != nil {
		if clip, ok := l.clips.Get(source); ok {
			return clip, nil
		}
	}

	start := time.Now()
	data, ext, err := l.fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	clip, err := l.decode(ctx, data, ext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", source, err)
	}
	clip.Source = source

	if l.clips != nil {
		l.clips.Set(source, clip)
	}

	l.logger.WithFields(logrus.Fields{
		"source":   source,
		"frames":   clip.Len(),
		"duration": clip.Duration(),
		"elapsed":  time.Since(start),
	}).Debug("Decoded stem")

	return clip, nil
}

// ResolvePath maps a source onto a local path, or reports that it is remote
func ResolvePath(source string) (path string, remote bool, err error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // bare path, or a windows drive letter
		return source, false, nil
	}
	switch u.Scheme {
	case "file":
		return u.Path, false, nil
	case "http", "https":
		return "", true, nil
	default:
		return "", false, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, string, error) {
	path, remote, err := ResolvePath(source)
	if err != nil {
		return nil, "", err
	}

	if !remote {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, strings.ToLower(filepath.Ext(path)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch %s: status %d", source, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body of %s: %w", source, err)
	}

	u, _ := url.Parse(source)
	ext := strings.ToLower(filepath.Ext(u.Path))
	if ext == "" {
		ext = extFromContentType(resp.Header.Get("Content-Type"))
	}
	return data, ext, nil
}

func extFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ".mp3"
	case strings.Contains(ct, "flac"):
		return ".flac"
	}
	return ""
}

func (l *Loader) decode(ctx context.Context, data []byte, ext string) (*Clip, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)

	switch ext {
	case ".wav":
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	case ".mp3":
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	case ".flac":
		streamer, format, err = flac.Decode(bytes.NewReader(data))
	default:
		return l.decodeFFmpeg(ctx, data)
	}
	if err != nil {
		return nil, err
	}
	defer streamer.Close()

	var s beep.Streamer = streamer
	if format.SampleRate != l.cfg.SampleRate {
		s = beep.Resample(resampleQuality, format.SampleRate, l.cfg.SampleRate, streamer)
	}

	frames, err := Drain(s)
	if err != nil {
		return nil, err
	}
	return &Clip{Rate: l.cfg.SampleRate, Frames: frames}, nil
}

// decodeFFmpeg handles every container beep has no decoder for by piping
// the bytes through ffmpeg as 16-bit stereo PCM at the engine rate.
func (l *Loader) decodeFFmpeg(ctx context.Context, data []byte) (*Clip, error) {
	if _, err := exec.LookPath(l.cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: no native decoder and ffmpeg not found", ErrUnsupportedSource)
	}

	cmd := exec.CommandContext(ctx, l.cfg.FFmpegPath,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(int(l.cfg.SampleRate)),
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}

	return &Clip{Rate: l.cfg.SampleRate, Frames: PCM16ToFrames(out)}, nil
}

// PCM16ToFrames converts interleaved little-endian 16-bit stereo PCM
func PCM16ToFrames(pcm []byte) [][2]float64 {
	frames := make([][2]float64, len(pcm)/4)
	for i := range frames {
		l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		frames[i] = [2]float64{float64(l) / 32768, float64(r) / 32768}
	}
	return frames
}
