package server

import (
	"math"
	"strings"
	"testing"

	"stemmix/internal/session"
	"stemmix/pkg/models"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		wantError bool
	}{
		{name: "valid id", id: "vocals-01", wantError: false},
		{name: "uuid", id: "2f1c5a4e-8d2b-4c1e-9a7f-3b6d0e9c1a22", wantError: false},
		{name: "missing id", id: "", wantError: true},
		{name: "too long", id: strings.Repeat("a", maxIDLength+1), wantError: true},
		{name: "null byte", id: "abc\x00", wantError: true},
		{name: "slash", id: "a/b", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateID("trackID", tt.id)
			if tt.wantError && err == nil {
				t.Errorf("validateID(%q) expected error but got none", tt.id)
			}
			if !tt.wantError && err != nil {
				t.Errorf("validateID(%q) unexpected error: %v", tt.id, err)
			}
		})
	}
}

func TestValidateOpenRequest(t *testing.T) {
	tests := []struct {
		name     string
		req      session.OpenRequest
		wantCode string
	}{
		{
			name: "valid request",
			req: session.OpenRequest{Key: "song-1", Tracks: []models.TrackDescriptor{
				{ID: "v", SourceURL: "v.wav", Volume: models.Float(0.8), Pan: -0.2},
				{ID: "d", SourceURL: "d.wav"},
			}},
		},
		{
			name:     "duplicate track id",
			req:      session.OpenRequest{Tracks: []models.TrackDescriptor{{ID: "v"}, {ID: "v"}}},
			wantCode: "DUPLICATE_TRACK_ID",
		},
		{
			name:     "missing track id",
			req:      session.OpenRequest{Tracks: []models.TrackDescriptor{{ID: "  "}}},
			wantCode: "MISSING_TRACKS[0].ID",
		},
		{
			name:     "volume out of range",
			req:      session.OpenRequest{Tracks: []models.TrackDescriptor{{ID: "v", Volume: models.Float(1.5)}}},
			wantCode: "INVALID_VOLUME",
		},
		{
			name:     "pan out of range",
			req:      session.OpenRequest{Tracks: []models.TrackDescriptor{{ID: "v", Pan: 2}}},
			wantCode: "INVALID_PAN",
		},
		{
			name:     "negative tempo",
			req:      session.OpenRequest{Tempo: -1},
			wantCode: "INVALID_TEMPO",
		},
		{
			name:     "master volume NaN",
			req:      session.OpenRequest{Master: &models.Master{Volume: math.NaN()}},
			wantCode: "INVALID_VOLUME",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := validateOpenRequest(&tt.req)
			if tt.wantCode == "" {
				if len(errs) != 0 {
					t.Errorf("validateOpenRequest() unexpected errors: %+v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Code == tt.wantCode {
					found = true
				}
			}
			if !found {
				t.Errorf("validateOpenRequest() = %+v, want code %s", errs, tt.wantCode)
			}
		})
	}
}

func TestValidateTrackPatch(t *testing.T) {
	tests := []struct {
		name  string
		patch session.TrackPatch
		want  int
	}{
		{name: "volume only", patch: session.TrackPatch{Volume: models.Float(0.5)}, want: 0},
		{name: "solo only", patch: session.TrackPatch{Solo: models.Bool(true)}, want: 0},
		{name: "empty", patch: session.TrackPatch{}, want: 1},
		{name: "volume too high", patch: session.TrackPatch{Volume: models.Float(1.01)}, want: 1},
		{name: "both out of range", patch: session.TrackPatch{Volume: models.Float(-1), Pan: models.Float(3)}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateTrackPatch(tt.patch); len(got) != tt.want {
				t.Errorf("validateTrackPatch() = %+v, want %d errors", got, tt.want)
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "normal input", want: "normal input"},
		{input: "  padded  ", want: "padded"},
		{input: "null\x00byte", want: "nullbyte"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		if got := sanitizeInput(tt.input); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0B"},
		{512, "< 1KB"},
		{2048, "2KB"},
		{3 * 1024 * 1024, "3MB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
