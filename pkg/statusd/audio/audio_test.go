package audio

import (
	"math"
	"testing"
)

func TestVolumeRoundTrip(t *testing.T) {
	const tolerance = 1e-5

	for i := 0; i <= 100; i++ {
		v := float32(i) / 100

		if got := PerceptualToLinear(LinearToPerceptual(v)); math.Abs(float64(got-v)) > tolerance {
			t.Fatalf("cube(cbrt(%v)) = %v", v, got)
		}
		if got := LinearToPerceptual(PerceptualToLinear(v)); math.Abs(float64(got-v)) > tolerance {
			t.Fatalf("cbrt(cube(%v)) = %v", v, got)
		}
	}
}

func TestPerceptualToLinear(t *testing.T) {
	tests := []struct {
		in, want float32
	}{
		{0, 0},
		{1, 1},
		{0.5, 0.125},
		{-0.3, 0},
		{1.2, 1.728},
	}

	for _, tt := range tests {
		if got := PerceptualToLinear(tt.in); math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("PerceptualToLinear(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAverageVolume(t *testing.T) {
	tests := []struct {
		name   string
		volume []float32
		want   float32
	}{
		{"no channels", nil, 0},
		{"mono", []float32{0.4}, 0.4},
		{"stereo", []float32{0.2, 0.6}, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NodeState{Volume: tt.volume}
			if got := n.AverageVolume(); math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Fatalf("AverageVolume() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindNodeFirstMatch(t *testing.T) {
	nodes := []NodeState{
		{ID: 40, Name: "alsa_output.usb"},
		{ID: 41, Name: "alsa_output.pci"},
		{ID: 42, Name: "alsa_output.usb"},
	}

	n, ok := FindNode(nodes, "alsa_output.usb")
	if !ok || n.ID != 40 {
		t.Fatalf("FindNode = %+v, %v", n, ok)
	}

	if _, ok := FindNode(nodes, "bluez_output"); ok {
		t.Fatal("expected no match")
	}
}

func TestCloneDoesNotShareVolume(t *testing.T) {
	original := NodeState{ID: 1, Volume: []float32{0.5, 0.5}}
	clone := original.Clone()
	clone.Volume[0] = 1

	if original.Volume[0] != 0.5 {
		t.Fatal("clone shares the volume slice")
	}
	if original.Equal(clone) {
		t.Fatal("expected states to differ")
	}

	clone.Volume[0] = 0.5
	if !original.Equal(clone) {
		t.Fatal("expected states to be equal again")
	}
}

func TestParseClass(t *testing.T) {
	tests := []struct {
		in   string
		want Class
		ok   bool
	}{
		{"Audio/Sink", ClassSink, true},
		{"Audio/Source", ClassSource, true},
		{"Stream/Output/Audio", 0, false},
		{"Video/Source", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseClass(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseClass(%q) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestNewDefaultStateIsUnknown(t *testing.T) {
	d := NewDefaultState()
	for _, v := range []string{d.ConfiguredSink, d.Sink, d.ConfiguredSource, d.Source} {
		if v != Unknown {
			t.Fatalf("expected %q, got %q", Unknown, v)
		}
	}
}
