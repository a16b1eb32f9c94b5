// ABOUTME: System-wide audio settings
// ABOUTME: Volume, mute and capture gain with clamping and lock flags
package server

import (
	"math"
	"sync"
)

// Capture gain limits in dBFS * 100.
const (
	MinCaptureGain = -5000
	MaxCaptureGain = 2000
)

// SystemState holds the daemon-wide volume and mute settings. The control
// goroutines mutate it; the audio thread only ever sees the derived scaler.
type SystemState struct {
	mu sync.Mutex

	volume            uint32 // 0-100
	muted             bool
	muteLocked        bool
	captureGain       int32 // dBFS * 100
	captureMuted      bool
	captureMuteLocked bool

	// onChange fires after every successful mutation, outside the lock.
	onChange func()
}

// NewSystemState returns settings at full volume, nothing muted.
func NewSystemState(onChange func()) *SystemState {
	return &SystemState{volume: 100, onChange: onChange}
}

func (s *SystemState) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// SetVolume sets system playback volume, clamped to 0-100.
func (s *SystemState) SetVolume(v uint32) {
	s.mu.Lock()
	if v > 100 {
		v = 100
	}
	s.volume = v
	s.mu.Unlock()
	s.changed()
}

// Volume returns the current system volume.
func (s *SystemState) Volume() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetMute sets system mute unless the mute lock is held.
func (s *SystemState) SetMute(m bool) {
	s.mu.Lock()
	if s.muteLocked {
		s.mu.Unlock()
		return
	}
	s.muted = m
	s.mu.Unlock()
	s.changed()
}

// SetMuteLocked sets mute and locks it there until unlocked.
func (s *SystemState) SetMuteLocked(m bool) {
	s.mu.Lock()
	s.muted = m
	s.muteLocked = m
	s.mu.Unlock()
	s.changed()
}

// Muted reports system mute.
func (s *SystemState) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// MuteLocked reports whether mute is locked.
func (s *SystemState) MuteLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muteLocked
}

// SetCaptureGain sets system capture gain, clamped to the supported range.
func (s *SystemState) SetCaptureGain(gain int32) {
	s.mu.Lock()
	if gain < MinCaptureGain {
		gain = MinCaptureGain
	}
	if gain > MaxCaptureGain {
		gain = MaxCaptureGain
	}
	s.captureGain = gain
	s.mu.Unlock()
	s.changed()
}

// CaptureGain returns the system capture gain in dBFS * 100.
func (s *SystemState) CaptureGain() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureGain
}

// SetCaptureMute sets capture mute unless locked.
func (s *SystemState) SetCaptureMute(m bool) {
	s.mu.Lock()
	if s.captureMuteLocked {
		s.mu.Unlock()
		return
	}
	s.captureMuted = m
	s.mu.Unlock()
	s.changed()
}

// SetCaptureMuteLocked sets capture mute and locks it.
func (s *SystemState) SetCaptureMuteLocked(m bool) {
	s.mu.Lock()
	s.captureMuted = m
	s.captureMuteLocked = m
	s.mu.Unlock()
	s.changed()
}

// CaptureMuted reports capture mute.
func (s *SystemState) CaptureMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureMuted
}

// CaptureMuteLocked reports whether capture mute is locked.
func (s *SystemState) CaptureMuteLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureMuteLocked
}

// VolumeScaler maps the 0-100 volume to the linear multiplier handed to the
// mixer: 0.5 dB of attenuation per step below 100, hard zero when muted or
// at volume zero.
func (s *SystemState) VolumeScaler() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted || s.volume == 0 {
		return 0
	}
	db := float64(int(s.volume)-100) * 0.5
	return float32(math.Pow(10, db/20))
}
