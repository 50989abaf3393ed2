package synth

import (
	"context"
	"time"
)

type mockSynth struct {
	latency time.Duration
}

// NewMockSynth returns a synthesizer that never leaves the process. Its audio
// is an ID3-wrapped stand-in for an MP3 stream, enough to exercise assembly.
func NewMockSynth(latency time.Duration) Synthesizer {
	return &mockSynth{latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, &Error{Message: ctx.Err().Error(), Err: ctx.Err()}
		case <-time.After(m.latency):
		}
	}
	return MockAudio(req.VoiceID + ": " + req.Text), nil
}

// MockAudio frames payload with a 14-byte ID3v2 tag (4 bytes of padding) up
// front and a 128-byte ID3v1 tag at the end.
func MockAudio(payload string) []byte {
	const padding = 4
	out := make([]byte, 0, 10+padding+4+len(payload)+128)
	out = append(out, 'I', 'D', '3', 0x04, 0x00, 0x00)
	out = append(out, 0, 0, 0, padding)
	out = append(out, make([]byte, padding)...)
	out = append(out, 0xFF, 0xFB, 0x90, 0x64)
	out = append(out, payload...)

	trailer := make([]byte, 128)
	copy(trailer, "TAG")
	copy(trailer[3:33], "loqa-narrator")
	return append(out, trailer...)
}
