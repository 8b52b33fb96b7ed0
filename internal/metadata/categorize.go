package metadata

import (
	"net/url"
	"path"
	"strings"

	"stemmix/pkg/models"
)

// Categorize fills in the category of descriptors that arrive without a
// recognizable one. Local files that the extractor supports are probed for
// tags; every other source is judged by its name and file name alone.
// Descriptors that already carry a known category are left unchanged.
func (e *Extractor) Categorize(descs []models.TrackDescriptor) []models.TrackDescriptor {
	out := make([]models.TrackDescriptor, len(descs))
	copy(out, descs)

	for i, d := range out {
		if models.ParseStemCategory(d.StemCategory) != models.StemUnclassified {
			continue
		}

		category := models.StemUnclassified
		if local, ok := localPath(d.SourceURL); ok && e.IsAudioFile(local) {
			if p, err := e.ProbeFile(local); err == nil {
				category = p.Category
			}
		}
		if category == models.StemUnclassified {
			category = InferCategory(d.Name, sourceBase(d.SourceURL), d.ID)
		}
		if category != models.StemUnclassified {
			out[i].StemCategory = string(category)
		}
	}
	return out
}

// localPath returns the file path of a bare path or file:// source
func localPath(source string) (string, bool) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", false
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return source, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

func sourceBase(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		source = u.Path
	}
	base := path.Base(strings.ReplaceAll(source, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
