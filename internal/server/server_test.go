package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stemmix/internal/config"
	"stemmix/internal/export"
	"stemmix/internal/graph"
	"stemmix/internal/media"
	"stemmix/internal/player"
	"stemmix/internal/preset"
	"stemmix/internal/session"

	"github.com/gopxl/beep/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const testRate = beep.SampleRate(48000)

type fakeLoader struct {
	mu    sync.Mutex
	clips map[string]*media.Clip
}

func (f *fakeLoader) Load(ctx context.Context, source string) (*media.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clips[source]; ok {
		return c, nil
	}
	return nil, errors.New("no such source")
}

func tone(n int) *media.Clip {
	frames := make([][2]float64, n)
	for i := range frames {
		v := 0.25 * math.Sin(2*math.Pi*220*float64(i)/float64(testRate))
		frames[i] = [2]float64{v, v}
	}
	return &media.Clip{Rate: testRate, Frames: frames}
}

type testEnv struct {
	server *MixServer
	http   *httptest.Server
}

func createTestMixServer(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	cfg := config.DefaultConfig()
	cfg.Logging.RequestLogging = false
	cfg.Presets.Default = ""

	loader := &fakeLoader{clips: map[string]*media.Clip{
		"vocal.wav": tone(4800),
		"drums.wav": tone(4800),
	}}
	sink, err := export.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exporter := export.NewExporter(export.Config{SampleRate: testRate, WorkDir: t.TempDir()}, loader, sink, logger)
	exports := export.NewManager(exporter, nil, logger)

	presets := preset.NewCatalog()
	deps := session.Deps{
		Context: graph.NewContext(graph.NewNullDevice(), testRate, 2400, logger),
		Loader:  loader,
		Presets: presets,
		Exports: exports,
		Logger:  logger,
	}
	sessions := session.NewManager(deps, session.Options{})

	ms := NewMixServer(cfg, Deps{
		Sessions: sessions,
		Exports:  exports,
		Presets:  presets,
		Checks: map[string]HealthCheck{
			"store": func(ctx context.Context) error { return nil },
		},
		Logger: logger,
	})
	ts := httptest.NewServer(ms.Handler())
	t.Cleanup(func() {
		ts.Close()
		sessions.Shutdown(context.Background())
		exports.Close()
	})
	return &testEnv{server: ms, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	out := make(map[string]any)
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) open(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"key": "song-1",
		"tracks": []map[string]any{
			{"id": "v", "sourceUrl": "vocal.wav", "volume": 0.9, "stemCategory": "vocal"},
			{"id": "d", "sourceUrl": "drums.wav", "volume": 0.8, "stemCategory": "drums"},
		},
		"master": map[string]any{"volume": 0.85, "muted": false},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open session status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("open session returned no id: %v", body)
	}
	return id
}

func trackGains(body map[string]any) map[string]float64 {
	out := make(map[string]float64)
	tracks, _ := body["tracks"].([]any)
	for _, raw := range tracks {
		tr := raw.(map[string]any)
		out[tr["id"].(string)] = tr["gain"].(float64)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	env := createTestMixServer(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}

	env.server.checks["store"] = func(ctx context.Context) error { return errors.New("down") }
	resp, body = env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Errorf("failing check: status %d body %v", resp.StatusCode, body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	resp, body := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
	gains := trackGains(body)
	if math.Abs(gains["v"]-0.765) > 1e-9 || math.Abs(gains["d"]-0.68) > 1e-9 {
		t.Errorf("gains = %v, want v=0.765 d=0.68", gains)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/sessions/"+id+"/tracks/d", map[string]any{"solo": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("solo status = %d", resp.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if gains := trackGains(body); gains["v"] != 0 {
		t.Errorf("vocal gain with drums soloed = %v, want 0", gains["v"])
	}

	resp, body = env.do(t, http.MethodPatch, "/api/sessions/"+id+"/master", map[string]any{"muted": true})
	if resp.StatusCode != http.StatusOK || body["muted"] != true {
		t.Errorf("master mute: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("close status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("closed session status = %d, want 404", resp.StatusCode)
	}
}

func TestTrackErrors(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"unknown track", http.MethodPatch, "/api/sessions/" + id + "/tracks/nope", map[string]any{"muted": true}, http.StatusNotFound},
		{"volume out of range", http.MethodPatch, "/api/sessions/" + id + "/tracks/v", map[string]any{"volume": 2}, http.StatusBadRequest},
		{"unknown field", http.MethodPatch, "/api/sessions/" + id + "/tracks/v", map[string]any{"gain": 1}, http.StatusBadRequest},
		{"empty effects patch", http.MethodPatch, "/api/sessions/" + id + "/tracks/v/effects", map[string]any{}, http.StatusBadRequest},
		{"bad transport action", http.MethodPost, "/api/sessions/" + id + "/transport", map[string]any{"action": "rewind"}, http.StatusBadRequest},
		{"unknown preset", http.MethodPost, "/api/sessions/" + id + "/preset", map[string]any{"id": "nope"}, http.StatusNotFound},
		{"unknown export", http.MethodGet, "/api/exports/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestEffectsAndBypass(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	resp, body := env.do(t, http.MethodPatch, "/api/sessions/"+id+"/tracks/v/effects", map[string]any{
		"reverb": map[string]any{"wetDry": 0.4, "decay": 2, "enabled": true},
		"bypass": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("effects status = %d, body %v", resp.StatusCode, body)
	}
	effects := body["effects"].(map[string]any)
	reverb := effects["reverb"].(map[string]any)
	if reverb["enabled"] != true {
		t.Errorf("reverb = %v, want enabled", reverb)
	}

	_, snap := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	for _, raw := range snap["tracks"].([]any) {
		tr := raw.(map[string]any)
		if tr["id"] == "v" && tr["bypassed"] != true {
			t.Errorf("vocal not bypassed: %v", tr)
		}
	}
}

func TestApplyPresetOverHTTP(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	resp, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/preset", map[string]any{"id": "karaoke"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d, body %v", resp.StatusCode, body)
	}
	snap := body["session"].(map[string]any)
	master := snap["master"].(map[string]any)
	if master["volume"] != 0.9 {
		t.Errorf("master volume = %v, want 0.9", master["volume"])
	}
	if gains := trackGains(snap); gains["v"] != 0 {
		t.Errorf("vocal gain = %v, want 0 under karaoke", gains["v"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/presets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if presets := body["presets"].([]any); len(presets) != len(preset.Builtin()) {
		t.Errorf("listed %d presets, want %d", len(presets), len(preset.Builtin()))
	}
}

func TestExportOverHTTP(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	resp, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/export", map[string]any{"format": "ogg"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid format status = %d, want 400 (body %v)", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/sessions/"+id+"/export", map[string]any{"quality": "standard", "fileName": "take"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("export status = %d, body %v", resp.StatusCode, body)
	}
	jobID := body["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := env.server.exports.Wait(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != export.StatusSucceeded {
		t.Fatalf("job status = %s (%s)", job.Status, job.Error)
	}

	resp, body = env.do(t, http.MethodGet, "/api/exports/"+jobID, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "succeeded" {
		t.Errorf("get export: status %d body %v", resp.StatusCode, body)
	}
	result := body["result"].(map[string]any)
	if result["fileName"] != "take.wav" || !strings.HasPrefix(result["url"].(string), "file://") {
		t.Errorf("result = %v", result)
	}

	for _, tr := range []string{"v", "d"} {
		env.do(t, http.MethodPatch, "/api/sessions/"+id+"/tracks/"+tr, map[string]any{"muted": true})
	}
	resp, body = env.do(t, http.MethodPost, "/api/sessions/"+id+"/export", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("silent mix export status = %d, want 422 (body %v)", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	env := createTestMixServer(t)
	id := env.open(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first player.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != eventSnapshot || first.SessionID != id {
		t.Fatalf("first event = %+v, want a snapshot for %s", first, id)
	}

	env.do(t, http.MethodPost, "/api/sessions/"+id+"/preset", map[string]any{"id": "karaoke"})
	for {
		var ev player.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("no preset event: %v", err)
		}
		if ev.Type == player.EventPresetApplied {
			if ev.Message != "karaoke" {
				t.Errorf("preset event message = %q", ev.Message)
			}
			break
		}
	}

	env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	for {
		var ev player.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("stream ended with %v, want a normal close", err)
			}
			break
		}
	}
}
