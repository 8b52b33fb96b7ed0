package gain

import (
	"math"
	"testing"

	"stemmix/pkg/models"
)

func tracks(specs ...models.Track) []models.Track { return specs }

func TestEffective(t *testing.T) {
	master := models.Master{Volume: 0.85}

	tests := []struct {
		name   string
		all    []models.Track
		master models.Master
		want   []float64
	}{
		{
			name: "volume times master",
			all: tracks(
				models.Track{ID: "a", Volume: 0.9},
				models.Track{ID: "b", Volume: 0.8},
				models.Track{ID: "c", Volume: 0.7},
			),
			master: master,
			want:   []float64{0.765, 0.68, 0.595},
		},
		{
			name: "mute silences only that track",
			all: tracks(
				models.Track{ID: "a", Volume: 0.9, Muted: true},
				models.Track{ID: "b", Volume: 0.8},
			),
			master: master,
			want:   []float64{0, 0.68},
		},
		{
			name: "solo silences the rest",
			all: tracks(
				models.Track{ID: "a", Volume: 0.9, Solo: true},
				models.Track{ID: "b", Volume: 0.8},
				models.Track{ID: "c", Volume: 0.7},
			),
			master: master,
			want:   []float64{0.765, 0, 0},
		},
		{
			name: "muted solo track stays silent",
			all: tracks(
				models.Track{ID: "a", Volume: 0.9, Solo: true, Muted: true},
				models.Track{ID: "b", Volume: 0.8},
			),
			master: master,
			want:   []float64{0, 0},
		},
		{
			name: "two solos both play",
			all: tracks(
				models.Track{ID: "a", Volume: 1, Solo: true},
				models.Track{ID: "b", Volume: 0.5, Solo: true},
				models.Track{ID: "c", Volume: 1},
			),
			master: models.Master{Volume: 1},
			want:   []float64{1, 0.5, 0},
		},
		{
			name: "master mute wins",
			all: tracks(
				models.Track{ID: "a", Volume: 1, Solo: true},
				models.Track{ID: "b", Volume: 1},
			),
			master: models.Master{Volume: 1, Muted: true},
			want:   []float64{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved := ResolveAll(tt.all, tt.master)
			for i, track := range tt.all {
				got := Effective(track, tt.all, tt.master)
				if math.Abs(got-tt.want[i]) > 1e-9 {
					t.Errorf("Effective(%s) = %v, want %v", track.ID, got, tt.want[i])
				}
				if math.Abs(resolved[track.ID]-got) > 1e-12 {
					t.Errorf("ResolveAll[%s] = %v, disagrees with Effective %v", track.ID, resolved[track.ID], got)
				}
			}
		})
	}
}

func TestUnmuteRestoresVolume(t *testing.T) {
	all := tracks(models.Track{ID: "a", Volume: 0.6, Muted: true})
	master := models.Master{Volume: 1}

	if Audible(all[0], all, master) {
		t.Fatal("muted track should not be audible")
	}

	all[0].Muted = false
	if got := Effective(all[0], all, master); got != 0.6 {
		t.Errorf("after unmute gain = %v, want 0.6", got)
	}
}

func TestEmptySet(t *testing.T) {
	if AnySolo(nil) {
		t.Error("empty set has no solo")
	}
	if got := ResolveAll(nil, models.DefaultMaster()); len(got) != 0 {
		t.Errorf("ResolveAll(nil) = %v, want empty", got)
	}
}
