// ABOUTME: Tests for audio format model
// ABOUTME: Validates frame geometry, layouts and format invariants
package audio

import "testing"

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		expected int
	}{
		{"stereo s16", NewFormat(FormatS16LE, 48000, 2), 4},
		{"mono s16", NewFormat(FormatS16LE, 16000, 1), 2},
		{"stereo s24", NewFormat(FormatS24LE, 48000, 2), 8},
		{"stereo s32", NewFormat(FormatS32LE, 96000, 2), 8},
		{"5.1 s16", NewFormat(FormatS16LE, 48000, 6), 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.FrameBytes(); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestDefaultLayoutStereo(t *testing.T) {
	l := DefaultLayout(2)
	if l[ChannelFL] != 0 || l[ChannelFR] != 1 {
		t.Errorf("stereo layout wrong: FL=%d FR=%d", l[ChannelFL], l[ChannelFR])
	}
	for ch := ChannelRL; ch < ChannelMax; ch++ {
		if l[ch] != -1 {
			t.Errorf("channel %d should be absent, got %d", ch, l[ch])
		}
	}
}

func TestValidateRejectsBadLayout(t *testing.T) {
	f := NewFormat(FormatS16LE, 48000, 2)
	if err := f.Validate(); err != nil {
		t.Fatalf("valid format rejected: %v", err)
	}

	// Layout slot beyond channel count must be rejected.
	f.Layout[ChannelFR] = 2
	if err := f.Validate(); err == nil {
		t.Error("expected error for layout slot >= channel count")
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		format Format
	}{
		{"zero rate", NewFormat(FormatS16LE, 0, 2)},
		{"zero channels", NewFormat(FormatS16LE, 48000, 0)},
		{"unknown sample format", NewFormat(SampleFormat(99), 48000, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.format.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSample24BitRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, Max24Bit, Min24Bit, 12345, -98765} {
		if got := SampleFrom24Bit(SampleTo24Bit(v)); got != v {
			t.Errorf("round trip of %d got %d", v, got)
		}
	}
}
