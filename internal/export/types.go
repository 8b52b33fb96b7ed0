// Package export renders a session's mix offline, masters it and delivers
// the encoded file to a sink.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
)

var (
	// ErrNoActiveTracks is returned before any work when nothing would be heard
	ErrNoActiveTracks = errors.New("no active tracks to export")
	// ErrCancelled is returned when an export is stopped before it finishes
	ErrCancelled = errors.New("export cancelled")
)

// Format is the container/codec of the exported file
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// Quality selects the output sample rate and bit depth
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityStudio   Quality = "studio"
)

// Tier is the concrete output resolution of a quality
type Tier struct {
	SampleRate beep.SampleRate
	BitDepth   int
}

// Tier returns the output resolution for q
func (q Quality) Tier() (Tier, error) {
	switch q {
	case QualityStandard:
		return Tier{SampleRate: 44100, BitDepth: 16}, nil
	case QualityHigh, "":
		return Tier{SampleRate: 48000, BitDepth: 24}, nil
	case QualityStudio:
		return Tier{SampleRate: 96000, BitDepth: 24}, nil
	}
	return Tier{}, fmt.Errorf("unknown quality %q", q)
}

// Stage is a coarse step of an export
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageRendering  Stage = "rendering"
	StageMastering  Stage = "mastering"
	StageEncoding   Stage = "encoding"
	StageDelivering Stage = "delivering"
	StageDone       Stage = "done"
)

// Progress is reported while an export runs
type Progress struct {
	Stage   Stage `json:"stage"`
	Percent int   `json:"percent"`
}

// Options control rendering, mastering and encoding
type Options struct {
	Format             Format  `json:"format"`
	Quality            Quality `json:"quality"`
	BitrateKbps        int     `json:"bitrateKbps,omitempty"`
	Normalize          bool    `json:"normalize"`
	TargetLUFS         float64 `json:"targetLufs,omitempty"` // zero means peak normalization
	Limiter            bool    `json:"limiter"`
	LimiterThresholdDb float64 `json:"limiterThresholdDb,omitempty"`
	FileName           string  `json:"fileName,omitempty"`
	Tempo              float64 `json:"tempo,omitempty"` // overrides the exporter tempo when set
}

var validBitrates = map[int]bool{128: true, 192: true, 256: true, 320: true}

// Validate fills defaults and rejects unusable options
func (o *Options) Validate() error {
	if o.Format == "" {
		o.Format = FormatWAV
	}
	if o.Format != FormatWAV && o.Format != FormatMP3 {
		return fmt.Errorf("invalid export format: %s (must be wav or mp3)", o.Format)
	}
	if _, err := o.Quality.Tier(); err != nil {
		return err
	}
	if o.Quality == "" {
		o.Quality = QualityHigh
	}
	if o.Format == FormatMP3 {
		if o.BitrateKbps == 0 {
			o.BitrateKbps = 192
		}
		if !validBitrates[o.BitrateKbps] {
			return fmt.Errorf("invalid mp3 bitrate: %d (must be 128, 192, 256 or 320)", o.BitrateKbps)
		}
	}
	if o.TargetLUFS > 0 || o.TargetLUFS < -70 {
		return fmt.Errorf("invalid target loudness: %.1f LUFS", o.TargetLUFS)
	}
	if o.LimiterThresholdDb == 0 {
		o.LimiterThresholdDb = -1
	}
	if o.LimiterThresholdDb > 0 || o.LimiterThresholdDb < -24 {
		return fmt.Errorf("invalid limiter threshold: %.1f dB (must be in [-24, 0])", o.LimiterThresholdDb)
	}
	if o.Tempo < 0 || o.Tempo > 400 {
		return fmt.Errorf("invalid tempo: %.1f BPM", o.Tempo)
	}
	o.FileName = sanitizeFilename(o.FileName)
	return nil
}

// fileName returns the output name with the format's extension
func (o Options) fileName(now time.Time) string {
	base := o.FileName
	if base == "" {
		base = "mix-" + now.Format("20060102-150405")
	}
	base = strings.TrimSuffix(base, "."+string(FormatWAV))
	base = strings.TrimSuffix(base, "."+string(FormatMP3))
	return base + "." + string(o.Format)
}

// sanitizeFilename removes characters that are invalid in file names
func sanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	for _, char := range invalid {
		name = strings.ReplaceAll(name, char, "_")
	}
	return strings.TrimSpace(name)
}

// Result describes a finished export
type Result struct {
	URL          string        `json:"url"`
	FileName     string        `json:"fileName"`
	Path         string        `json:"path,omitempty"`
	Duration     time.Duration `json:"duration"`
	PeakDB       float64       `json:"peakDb"`
	LoudnessLUFS float64       `json:"loudnessLufs"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// Error is a failed export stage
type Error struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("export %s: %s", e.Stage, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func stageError(stage Stage, reason string, err error) error {
	return &Error{Stage: stage, Reason: reason, Err: err}
}
