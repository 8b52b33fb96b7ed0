package effects

import (
	"math"
	"testing"

	"stemmix/pkg/models"

	"github.com/sirupsen/logrus"
)

const testRate = 48000.0

func sine(freq, amp float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/testRate)
		out[i] = [2]float64{v, v}
	}
	return out
}

func rms(frames [][2]float64) float64 {
	var sum float64
	for _, f := range frames {
		sum += f[0] * f[0]
	}
	return math.Sqrt(sum / float64(len(frames)))
}

func peak(frames [][2]float64) float64 {
	var p float64
	for _, f := range frames {
		p = math.Max(p, math.Abs(f[0]))
	}
	return p
}

func newTestChain(t *testing.T, s models.EffectsSettings) *Chain {
	t.Helper()
	c, err := NewChain("track", s, DefaultOptions(testRate), nil)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	return c
}

func TestNeutralChainIsTransparent(t *testing.T) {
	c := newTestChain(t, models.DefaultEffects())
	in := sine(440, 0.5, 4096)
	out := make([][2]float64, len(in))
	copy(out, in)

	c.Process(out)

	for i := range in {
		if math.Abs(out[i][0]-in[i][0]) > 1e-9 || math.Abs(out[i][1]-in[i][1]) > 1e-9 {
			t.Fatalf("frame %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestBypassPassesDrySignal(t *testing.T) {
	s := models.DefaultEffects()
	s.Filter = models.FilterSettings{Type: models.FilterLowpass, Cutoff: 200, Resonance: 0.707, Enabled: true}
	c := newTestChain(t, s)
	c.SetBypass(true)

	in := sine(5000, 0.5, 48000)
	out := make([][2]float64, len(in))
	copy(out, in)
	for off := 0; off < len(out); off += 512 {
		c.Process(out[off : off+512])
	}

	// Once the 10ms crossfade has finished the output is the input.
	for i := 1000; i < len(in); i++ {
		if out[i] != in[i] {
			t.Fatalf("frame %d: got %v, want dry %v", i, out[i], in[i])
		}
	}
}

func TestLowpassAttenuatesHighs(t *testing.T) {
	s := models.DefaultEffects()
	s.Filter = models.FilterSettings{Type: models.FilterLowpass, Cutoff: 200, Resonance: 0.707, Enabled: true}
	c := newTestChain(t, s)

	in := sine(8000, 0.5, 9600)
	out := make([][2]float64, len(in))
	copy(out, in)
	c.Process(out)

	ratio := rms(out[4800:]) / rms(in[4800:])
	if ratio > 0.05 {
		t.Errorf("8kHz through a 200Hz lowpass kept %.3f of its level", ratio)
	}
}

func TestHighpassAttenuatesLows(t *testing.T) {
	s := models.DefaultEffects()
	s.Filter = models.FilterSettings{Type: models.FilterHighpass, Cutoff: 4000, Resonance: 0.707, Enabled: true}
	c := newTestChain(t, s)

	in := sine(100, 0.5, 9600)
	out := make([][2]float64, len(in))
	copy(out, in)
	c.Process(out)

	ratio := rms(out[4800:]) / rms(in[4800:])
	if ratio > 0.05 {
		t.Errorf("100Hz through a 4kHz highpass kept %.3f of its level", ratio)
	}
}

func TestDelayProducesEcho(t *testing.T) {
	s := models.DefaultEffects()
	s.Delay = models.DelaySettings{TimeMs: 100, Feedback: 0.5, Mix: 0.5, Enabled: true}
	c := newTestChain(t, s)

	frames := make([][2]float64, 9700)
	frames[0] = [2]float64{1, 1}
	c.Process(frames)

	tests := []struct {
		name  string
		index int
		want  float64
	}{
		{"dry impulse", 0, 0.5},
		{"silence between", 2400, 0},
		{"first echo", 4800, 0.5},
		{"second echo", 9600, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frames[tt.index][0]; math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("frame %d = %v, want %v", tt.index, got, tt.want)
			}
		})
	}
}

func TestCompressorReducesLoudSignal(t *testing.T) {
	s := models.DefaultEffects()
	s.Compressor = models.CompressorSettings{Threshold: -30, Ratio: 10, Attack: 0.001, Release: 0.1, Knee: 0, Enabled: true}
	c := newTestChain(t, s)

	in := sine(1000, 0.9, 24000)
	out := make([][2]float64, len(in))
	copy(out, in)
	c.Process(out)

	if p := peak(out[12000:]); p > 0.45 {
		t.Errorf("compressed peak = %.3f, expected strong gain reduction", p)
	}
}

func TestReverbAddsTail(t *testing.T) {
	s := models.DefaultEffects()
	s.Reverb = models.ReverbSettings{WetDry: 0.5, Decay: 3, Enabled: true}
	c := newTestChain(t, s)

	frames := make([][2]float64, 9600)
	frames[0] = [2]float64{1, 1}
	c.Process(frames)

	if tail := rms(frames[2400:]); tail == 0 {
		t.Error("expected a reverb tail after the impulse")
	}
}

func TestUpdateRampsInsteadOfJumping(t *testing.T) {
	c := newTestChain(t, models.DefaultEffects())
	warm := sine(100, 0.25, 4800)
	c.Process(warm)

	c.Update(models.EffectsPatch{EQ: &models.EQSettings{LowGain: 12, LowFreq: 320, HighFreq: 3200}})

	first := sine(100, 0.25, 64)
	c.Process(first)
	settled := sine(100, 0.25, 48000)
	c.Process(settled)

	gainFirst := peak(first) / 0.25
	gainSettled := peak(settled[38400:]) / 0.25
	if gainFirst >= gainSettled*0.9 {
		t.Errorf("first block gain %.2f should still be ramping toward %.2f", gainFirst, gainSettled)
	}
	if gainSettled < 2.5 {
		t.Errorf("settled low shelf gain = %.2f, want close to 4x (+12dB)", gainSettled)
	}
}

func TestSnapAppliesTargetsImmediately(t *testing.T) {
	c := newTestChain(t, models.DefaultEffects())
	c.Update(models.EffectsPatch{EQ: &models.EQSettings{LowGain: 12, LowFreq: 320, HighFreq: 3200}})
	c.Snap()

	c.Process(make([][2]float64, 64))
	if c.eqLowGain.Value() != 12 {
		t.Errorf("low gain = %v after snap, want 12", c.eqLowGain.Value())
	}
}

func TestChainUpdateClampsFeedback(t *testing.T) {
	c := newTestChain(t, models.DefaultEffects())
	got := c.Update(models.EffectsPatch{Delay: &models.DelaySettings{TimeMs: 300, Feedback: 1.5, Mix: 0.4, Enabled: true}})

	if got.Delay.Feedback >= 1 {
		t.Errorf("feedback = %v, must stay below 1", got.Delay.Feedback)
	}
	if c.Settings().Delay.TimeMs != 300 {
		t.Errorf("published delay time = %v, want 300", c.Settings().Delay.TimeMs)
	}
}

func TestProcessorLifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	p := NewProcessor(DefaultOptions(testRate), logger)

	if _, ok := p.Update("missing", models.EffectsPatch{}); ok {
		t.Error("Update on an unknown track should be a no-op")
	}
	if p.Bypass("missing", true) {
		t.Error("Bypass on an unknown track should be a no-op")
	}
	p.Detach("missing")

	a, err := p.Attach("t1", models.DefaultEffects())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	b, _ := p.Attach("t1", models.DefaultEffects())
	if a != b {
		t.Error("Attach should be idempotent per track")
	}
	if !p.Bypass("t1", true) || !a.Bypassed() {
		t.Error("Bypass should reach the attached chain")
	}

	p.Detach("t1")
	if _, ok := p.Chain("t1"); ok {
		t.Error("chain should be gone after Detach")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

func TestTempoSyncedDelay(t *testing.T) {
	p := NewProcessor(DefaultOptions(testRate), nil)
	p.SetTempo(120)

	s := models.DefaultEffects()
	s.Delay = models.DelaySettings{TimeMs: 260, Feedback: 0.2, Mix: 0.3, SyncToTempo: true, Enabled: true}
	c, err := p.Attach("t1", s)
	if err != nil {
		t.Fatal(err)
	}
	c.Process(make([][2]float64, 64))

	if got := c.delay[0].Time(); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("synced delay = %vs, want 0.25s (an eighth at 120bpm)", got)
	}
}
