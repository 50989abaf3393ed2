package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

func TestRunSegments(t *testing.T) {
	input := filepath.Join(t.TempDir(), "script.txt")
	if err := os.WriteFile(input, []byte("1 Hello\n2 Hi there\n\n1 Bye"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := runSegments([]string{input}, &out); err != nil {
		t.Fatalf("segments: %v", err)
	}
	var got struct {
		Segments []struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"segments"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Segments) != 3 || got.Segments[1].Text != "Hi there" || len(got.Tags) != 2 {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestRunRenderWritesRequestedFile(t *testing.T) {
	t.Setenv("NARRATOR_SYNTHESIS_MODE", "mock")
	t.Setenv("NARRATOR_TRANSCODER_MODE", "none")
	dir := t.TempDir()
	input := filepath.Join(dir, "script.txt")
	if err := os.WriteFile(input, []byte("1 Hello\n2 Hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	output := filepath.Join(dir, "combined.mp3")

	var out bytes.Buffer
	if err := runRender(context.Background(), []string{"-voice", "2=henry", input, output}, &out); err != nil {
		t.Fatalf("render: %v", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.OutputPath != output || res.Segments[1].VoiceID != "henry" {
		t.Fatalf("unexpected result %+v", res)
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() != res.FileSize {
		t.Fatalf("output missing or wrong size: %v", err)
	}
}

func TestVoiceFlags(t *testing.T) {
	v := voiceFlags{}
	if err := v.Set("1=lisa"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("bad"); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if v["1"] != "lisa" {
		t.Fatalf("unexpected map %v", v)
	}
}
