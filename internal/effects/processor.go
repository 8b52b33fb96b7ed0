package effects

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"stemmix/pkg/models"

	"github.com/sirupsen/logrus"
)

// Processor owns one effects chain per track. Operations on a track without
// a chain are no-ops.
type Processor struct {
	opts   Options
	chains map[string]*Chain
	mutex  sync.RWMutex
	tempo  atomic.Uint64 // float64 bits, beats per minute
	logger *logrus.Logger
}

// NewProcessor creates an empty processor
func NewProcessor(opts Options, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Processor{
		opts:   opts,
		chains: make(map[string]*Chain),
		logger: logger,
	}
}

// Attach returns the track's chain, creating it with the given settings if
// the track has none yet.
func (p *Processor) Attach(trackID string, initial models.EffectsSettings) (*Chain, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if c, ok := p.chains[trackID]; ok {
		return c, nil
	}

	c, err := NewChain(trackID, initial, p.opts, p.Tempo)
	if err != nil {
		return nil, fmt.Errorf("failed to build effects chain for %s: %w", trackID, err)
	}
	p.chains[trackID] = c

	p.logger.WithField("track_id", trackID).Debug("Attached effects chain")
	return c, nil
}

// Update merges a patch into the track's settings. Returns false when the
// track has no chain.
func (p *Processor) Update(trackID string, patch models.EffectsPatch) (models.EffectsSettings, bool) {
	c, ok := p.Chain(trackID)
	if !ok {
		return models.EffectsSettings{}, false
	}
	return c.Update(patch), true
}

// Bypass routes the track around its chain. Returns false when the track
// has no chain.
func (p *Processor) Bypass(trackID string, bypassed bool) bool {
	c, ok := p.Chain(trackID)
	if !ok {
		return false
	}
	c.SetBypass(bypassed)
	return true
}

// Detach forgets the track's chain
func (p *Processor) Detach(trackID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.chains[trackID]; ok {
		delete(p.chains, trackID)
		p.logger.WithField("track_id", trackID).Debug("Detached effects chain")
	}
}

// Chain looks up a track's chain
func (p *Processor) Chain(trackID string) (*Chain, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	c, ok := p.chains[trackID]
	return c, ok
}

// Len returns the number of attached chains
func (p *Processor) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.chains)
}

// SetTempo sets the tempo used by delays synced to the beat. Zero disables
// syncing.
func (p *Processor) SetTempo(bpm float64) {
	if bpm < 0 || math.IsNaN(bpm) {
		bpm = 0
	}
	p.tempo.Store(math.Float64bits(bpm))
}

// Tempo returns the current tempo in beats per minute
func (p *Processor) Tempo() float64 {
	return math.Float64frombits(p.tempo.Load())
}

// Options returns the ramp configuration chains are built with
func (p *Processor) Options() Options {
	return p.opts
}
