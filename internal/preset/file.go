package preset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stemmix/pkg/models"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDelay lets an editor finish writing before the file is re-read
const reloadDelay = 200 * time.Millisecond

type catalogFile struct {
	Presets []models.MixPreset `toml:"preset"`
}

// LoadFile reads user presets from a TOML file of [[preset]] tables
func LoadFile(path string) ([]models.MixPreset, error) {
	var f catalogFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to parse preset file: %w", err)
	}

	seen := make(map[string]bool, len(f.Presets))
	for i := range f.Presets {
		p := &f.Presets[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("preset %d has no id", i+1)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate preset id %q", p.ID)
		}
		seen[p.ID] = true

		if p.Name == "" {
			p.Name = p.ID
		}
		if p.MasterVolume <= 0 || p.MasterVolume > 1 {
			return nil, fmt.Errorf("preset %q: master_volume must be in (0, 1]", p.ID)
		}
		stems := make(map[models.StemCategory]models.StemOverride, len(p.Stems))
		for k, o := range p.Stems {
			c := models.ParseStemCategory(string(k))
			if c == models.StemUnclassified && string(k) != string(models.StemUnclassified) {
				return nil, fmt.Errorf("preset %q: unknown stem category %q", p.ID, k)
			}
			stems[c] = o
		}
		p.Stems = stems
	}
	return f.Presets, nil
}

// LoadInto merges the presets from path into the catalog. A missing file is
// not an error.
func (c *Catalog) LoadInto(path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	presets, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	c.Merge(presets)
	return len(presets), nil
}

// Watcher reloads a preset file into a catalog whenever it changes
type Watcher struct {
	catalog *Catalog
	path    string
	watcher *fsnotify.Watcher
	logger  *logrus.Logger

	mu      sync.Mutex
	pending *time.Timer
	reloads int
	done    chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that replace the file on save are picked up.
func (c *Catalog) Watch(path string, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		catalog: c,
		path:    abs,
		watcher: fw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.watchFiles()

	logger.WithField("preset_file", abs).Info("Preset watcher started")
	return w, nil
}

// watchFiles selects on watcher channels and dispatches events
func (w *Watcher) watchFiles() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFileEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Preset watcher error")
		}
	}
}

func (w *Watcher) handleFileEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDelay, w.reload)
}

func (w *Watcher) reload() {
	n, err := w.catalog.LoadInto(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("preset_file", w.path).Warn("Keeping previous presets, file is invalid")
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.WithFields(logrus.Fields{
		"preset_file": w.path,
		"presets":     n,
	}).Info("Reloaded presets")
}

// Reloads returns how many successful reloads have happened
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Close stops watching (idempotent)
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
