package main

import (
	"testing"

	"github.com/chatlens/chatlens/internal/analyze"
)

func TestAllSaved(t *testing.T) {
	results := []*analyze.Result{
		{ChatID: "a"},
		{ChatID: "b"},
		{ChatID: "c", Error: "model unavailable"},
	}

	cases := []struct {
		name     string
		inserted int
		want     bool
	}{
		{"all savable rows inserted", 2, true},
		{"one chunk dropped", 1, false},
		{"nothing inserted", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := allSaved(results, tc.inserted); got != tc.want {
				t.Errorf("allSaved(_, %d) = %v, want %v", tc.inserted, got, tc.want)
			}
		})
	}

	if !allSaved(nil, 0) {
		t.Error("empty result set should count as saved")
	}
}
