package graph

import (
	"math"
	"sync"

	"github.com/cwbudde/algo-dsp/dsp/spectrum"
	dsptime "github.com/cwbudde/algo-dsp/stats/time"
)

// BandCenters are the analysis band frequencies reported by Snapshot
var BandCenters = []float64{63, 125, 250, 500, 1000, 2000, 4000, 8000}

// silenceDB is reported for an empty or silent window
const silenceDB = -120.0

// Levels is an analysis snapshot of a tap's recent window
type Levels struct {
	Peak   float64   `json:"peak"`
	RMS    float64   `json:"rms"`
	PeakDB float64   `json:"peakDb"`
	RMSDB  float64   `json:"rmsDb"`
	Bands  []float64 `json:"bands"` // dBFS per BandCenters entry
}

// Tap copies the most recent post-pan samples into a ring buffer. The
// audio goroutine writes; Snapshot runs on the caller's goroutine.
type Tap struct {
	mu     sync.Mutex
	buf    [][2]float64
	pos    int
	filled int
	rate   float64
}

// NewTap creates a tap holding size frames
func NewTap(size int, sampleRate float64) *Tap {
	return &Tap{
		buf:  make([][2]float64, size),
		rate: sampleRate,
	}
}

// Write appends frames to the ring buffer
func (t *Tap) Write(samples [][2]float64) {
	t.mu.Lock()
	size := len(t.buf)
	for _, s := range samples {
		t.buf[t.pos] = s
		t.pos = (t.pos + 1) % size
	}
	t.filled = min(t.filled+len(samples), size)
	t.mu.Unlock()
}

// Reset empties the ring buffer
func (t *Tap) Reset() {
	t.mu.Lock()
	clear(t.buf)
	t.pos, t.filled = 0, 0
	t.mu.Unlock()
}

// Samples returns the buffered frames in chronological order
func (t *Tap) Samples() [][2]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	out := make([][2]float64, t.filled)
	start := (t.pos - t.filled + size) % size
	for i := range out {
		out[i] = t.buf[(start+i)%size]
	}
	return out
}

// Snapshot measures the buffered window
func (t *Tap) Snapshot() Levels {
	frames := t.Samples()

	lv := Levels{
		PeakDB: silenceDB,
		RMSDB:  silenceDB,
		Bands:  make([]float64, len(BandCenters)),
	}
	for i := range lv.Bands {
		lv.Bands[i] = silenceDB
	}
	if len(frames) == 0 {
		return lv
	}

	left := make([]float64, len(frames))
	right := make([]float64, len(frames))
	mono := make([]float64, len(frames))
	for i, f := range frames {
		left[i], right[i] = f[0], f[1]
		mono[i] = (f[0] + f[1]) / 2
	}

	lv.Peak = max(dsptime.Peak(left), dsptime.Peak(right))
	lv.RMS = math.Sqrt((square(dsptime.RMS(left)) + square(dsptime.RMS(right))) / 2)
	lv.PeakDB = toDB(lv.Peak)
	lv.RMSDB = toDB(lv.RMS)

	mg, err := spectrum.NewMultiGoertzel(nyquistBands(t.rate), t.rate)
	if err != nil {
		return lv
	}
	mg.ProcessBlock(mono)
	n := float64(len(mono))
	for i, p := range mg.Powers() {
		// |X| of a full-scale sine over n samples is n/2
		lv.Bands[i] = toDB(2 * math.Sqrt(math.Max(p, 0)) / n)
	}
	return lv
}

// nyquistBands keeps band centres that the rate can represent; the rest
// stay at silence.
func nyquistBands(rate float64) []float64 {
	out := make([]float64, 0, len(BandCenters))
	for _, f := range BandCenters {
		if f < rate/2 {
			out = append(out, f)
		}
	}
	return out
}

func square(x float64) float64 { return x * x }

func toDB(v float64) float64 {
	if v <= 0 {
		return silenceDB
	}
	return math.Max(20*math.Log10(v), silenceDB)
}
