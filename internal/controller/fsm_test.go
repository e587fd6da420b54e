package controller

import (
	"testing"

	"github.com/dokzlo13/radiosync/internal/receiver"
)

func TestSignalFor(t *testing.T) {
	tests := []struct {
		state string
		want  Signal
	}{
		{TransportPlaying, SignalActive},
		{TransportStopped, SignalInactive},
		{TransportPaused, SignalInactive},
		{TransportNoMediaPresent, SignalInactive},
		{TransportTransitioning, SignalUnknown},
		{"", SignalUnknown},
		{"garbage", SignalUnknown},
	}

	for _, tt := range tests {
		if got := SignalFor(tt.state); got != tt.want {
			t.Errorf("SignalFor(%q) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestDetermineAction(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
		sig       Signal
		want      Action
	}{
		{"idle_active", false, SignalActive, ActionActivate},
		{"idle_inactive", false, SignalInactive, ActionNone},
		{"idle_unknown", false, SignalUnknown, ActionNone},
		{"streaming_active", true, SignalActive, ActionNone},
		{"streaming_inactive", true, SignalInactive, ActionRestore},
		{"streaming_unknown", true, SignalUnknown, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineAction(tt.streaming, tt.sig); got != tt.want {
				t.Errorf("DetermineAction(%v, %v) = %v, want %v", tt.streaming, tt.sig, got, tt.want)
			}
		})
	}
}

func TestRestoreTarget(t *testing.T) {
	saved := receiver.State{Volume: 10, Mode: "FM", Power: true, Mute: false}

	if got := RestoreTarget(saved, true); got != saved {
		t.Errorf("powered on: got %+v, want %+v", got, saved)
	}

	got := RestoreTarget(saved, false)
	want := receiver.State{Volume: 10, Mode: "FM", Power: false, Mute: false}
	if got != want {
		t.Errorf("powered off: got %+v, want %+v", got, want)
	}

	// Saved off stays off regardless of the current power
	off := receiver.State{Volume: 5, Mode: "DAB", Power: false}
	if got := RestoreTarget(off, true); got.Power {
		t.Error("expected saved power-off to be kept")
	}
}
