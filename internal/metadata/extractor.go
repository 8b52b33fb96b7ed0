// Package metadata probes local stem files for duration, tags and a best
// guess at the stem category.
package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemmix/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// Probe describes a stem file without decoding its audio
type Probe struct {
	Path     string              `json:"path"`
	Format   string              `json:"format"`
	Title    string              `json:"title,omitempty"`
	Artist   string              `json:"artist,omitempty"`
	Genre    string              `json:"genre,omitempty"`
	Duration time.Duration       `json:"duration"`
	Size     int64               `json:"size"`
	Category models.StemCategory `json:"stemCategory"`
}

// Extractor reads stem metadata
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Logger
}

// NewExtractor creates a new metadata extractor
func NewExtractor(supportedFormats []string, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Extractor{
		supportedFormats: supportedFormats,
		logger:           logger,
	}
}

// ProbeFile reads duration and tags from a local file. Missing tags are not
// an error; the category then comes from the file name alone.
func (e *Extractor) ProbeFile(filePath string) (Probe, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		return Probe{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Probe{}, err
	}

	p := Probe{
		Path:   filePath,
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), "."),
		Size:   stat.Size(),
	}

	p.Duration, err = e.calculateDuration(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Warn("Failed to calculate duration, setting to 0")
		p.Duration = 0
	}

	var comment string
	if md, err := tag.ReadFrom(file); err == nil {
		p.Title = md.Title()
		p.Artist = md.Artist()
		p.Genre = md.Genre()
		comment = md.Comment()
	}

	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	if p.Title == "" {
		p.Title = base
	}
	p.Category = InferCategory(p.Title, comment, p.Genre, base)

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"category":       p.Category,
		"duration":       p.Duration,
		"processingTime": time.Since(startTime),
	}).Debug("Probed stem")

	return p, nil
}

func (e *Extractor) calculateDuration(filePath string) (time.Duration, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// durationMP3 sums frame durations; a file with no decodable frame fails
func durationMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var (
		total   time.Duration
		skipped int
		frames  int
	)
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) || frames > 0 {
				break
			}
			return 0, fmt.Errorf("no mp3 frames: %w", err)
		}
		total += fr.Duration()
		frames++
	}
	return total, nil
}

// durationFLAC reads STREAMINFO
func durationFLAC(path string) (time.Duration, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return 0, fmt.Errorf("flac stream missing sample info")
	}
	return time.Duration(float64(si.NSamples) / float64(si.SampleRate) * float64(time.Second)), nil
}

func durationWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	return dec.Duration()
}

// categoryKeywords is checked in order; more specific words come first so
// that "backing vocals" is not read as a lead vocal.
var categoryKeywords = []struct {
	category models.StemCategory
	words    []string
}{
	{models.StemBackingVocal, []string{"backing", "bgv", "bv", "harmony", "harmonies", "choir", "adlib", "adlibs"}},
	{models.StemInstrumental, []string{"instrumental", "inst", "karaoke", "accompaniment", "minus one"}},
	{models.StemVocal, []string{"vocal", "vocals", "vox", "voice", "acapella", "a cappella", "lead vox"}},
	{models.StemPercussion, []string{"percussion", "perc", "shaker", "conga", "bongo", "tambourine"}},
	{models.StemDrums, []string{"drums", "drum", "kick", "snare", "hihat", "hats", "cymbal", "beat"}},
	{models.StemBass, []string{"bass", "sub", "808"}},
	{models.StemGuitar, []string{"guitar", "gtr", "guitars"}},
	{models.StemPiano, []string{"piano", "grand"}},
	{models.StemKeys, []string{"keys", "organ", "rhodes", "wurli", "epiano"}},
	{models.StemSynth, []string{"synth", "synths", "pad", "pads", "arp", "lead synth"}},
	{models.StemStrings, []string{"strings", "string", "violin", "viola", "cello", "orchestra"}},
	{models.StemFX, []string{"fx", "sfx", "riser", "impact", "sweep"}},
	{models.StemOther, []string{"other", "rest", "residual"}},
}

// InferCategory guesses a stem category from free text such as a title, a
// comment or a file name. Fields are checked in the order given and the
// first match wins.
func InferCategory(fields ...string) models.StemCategory {
	for _, field := range fields {
		words := tokenize(field)
		if len(words) == 0 {
			continue
		}
		joined := " " + strings.Join(words, " ") + " "
		for _, kw := range categoryKeywords {
			for _, w := range kw.words {
				if strings.Contains(joined, " "+w+" ") {
					return kw.category
				}
			}
		}
	}
	return models.StemUnclassified
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// IsAudioFile checks if a file is a supported audio format
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// GetContentType returns the MIME type for an audio or rendered file
func GetContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
