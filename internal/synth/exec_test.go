package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat > /dev/null\n"+body), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return path
}

func TestExecSynthConcatenatesChunks(t *testing.T) {
	// "ID3" and "abc" in base64.
	engine := writeEngine(t, `echo '{"audio_base64":"SUQz"}'
echo '{"audio_base64":"YWJj","final":true}'
`)
	s, err := NewExecSynth(engine, "en-US", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	audio, err := s.Synthesize(context.Background(), Request{Text: "Hello", VoiceID: "oliver"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(audio, []byte("ID3abc")) {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestExecSynthReportsEngineError(t *testing.T) {
	engine := writeEngine(t, `echo '{"error":"voice not installed"}'
exit 1
`)
	s, err := NewExecSynth(engine, "en-US", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = s.Synthesize(context.Background(), Request{Text: "Hello", VoiceID: "missing"})
	if MessageOf(err) != "voice not installed" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestExecSynthEmptyOutput(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	s, err := NewExecSynth(engine, "en-US", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), Request{Text: "Hello"}); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", "en-US", time.Second, 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecSynthStyleInstructionOnlyForStyleLocale(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	dir := t.TempDir()
	captured := filepath.Join(dir, "stdin.json")
	engine := filepath.Join(dir, "engine")
	script := "#!/bin/sh\ncat > '" + captured + "'\necho '{\"audio_base64\":\"SUQz\",\"final\":true}'\n"
	if err := os.WriteFile(engine, []byte(script), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	s, err := NewExecSynth(engine, "en-US", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cases := []struct {
		language string
		want     string
	}{
		{"fr-FR", ""},
		{"en-US", "warm tone"},
	}
	for _, tc := range cases {
		t.Run(tc.language, func(t *testing.T) {
			req := Request{Text: "Bonjour", VoiceID: "v", Language: tc.language, StyleInstruction: " warm tone "}
			if _, err := s.Synthesize(context.Background(), req); err != nil {
				t.Fatalf("synthesize: %v", err)
			}
			data, err := os.ReadFile(captured)
			if err != nil {
				t.Fatalf("read captured stdin: %v", err)
			}
			var sent execRequest
			if err := json.Unmarshal(data, &sent); err != nil {
				t.Fatalf("decode captured stdin %q: %v", data, err)
			}
			if sent.StyleInstruction != tc.want {
				t.Fatalf("expected style instruction %q, got %q", tc.want, sent.StyleInstruction)
			}
			if sent.Language != tc.language || sent.Text != "Bonjour" {
				t.Fatalf("unexpected request %+v", sent)
			}
		})
	}
}
