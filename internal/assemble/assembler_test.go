package assemble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranscoder struct {
	err      error
	output   []byte
	manifest string
	calls    int
}

func (f *fakeTranscoder) Name() string    { return "fake" }
func (f *fakeTranscoder) Available() bool { return true }

func (f *fakeTranscoder) Concat(_ context.Context, manifestPath, outputPath string) error {
	f.calls++
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	f.manifest = string(data)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, f.output, 0o644)
}

func TestAssembleSingleBufferRoundTrip(t *testing.T) {
	dir := t.TempDir()
	audio := tagged("only", 4, false, true)
	fake := &fakeTranscoder{output: []byte("never")}
	a := New(fake, time.Second, newLogger())

	report, err := a.Assemble(context.Background(), Job{Buffers: [][]byte{audio}, WorkDir: dir, Output: filepath.Join(dir, "out.mp3")})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if report.Method != MethodCopy {
		t.Fatalf("expected copy, got %s", report.Method)
	}
	if fake.calls != 0 {
		t.Fatalf("transcoder should not run for one buffer")
	}
	got, _ := os.ReadFile(report.Path)
	if !bytes.Equal(got, audio) {
		t.Fatalf("output differs from input")
	}
	if report.Size != int64(len(audio)) {
		t.Fatalf("size %d", report.Size)
	}
}

func TestAssembleUsesTranscoder(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	fake := &fakeTranscoder{output: []byte("encoded")}
	a := New(fake, time.Second, newLogger())
	out := filepath.Join(dir, "out.mp3")

	report, err := a.Assemble(context.Background(), Job{Buffers: [][]byte{[]byte("a"), []byte("b")}, WorkDir: work, Output: out})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if report.Method != MethodTranscoder {
		t.Fatalf("expected transcoder, got %s", report.Method)
	}
	lines := strings.Split(strings.TrimSpace(fake.manifest), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "seg_000.mp3'") || !strings.HasSuffix(lines[1], "seg_001.mp3'") {
		t.Fatalf("unexpected manifest %q", fake.manifest)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "encoded" {
		t.Fatalf("unexpected output %q", got)
	}
	entries, _ := os.ReadDir(work)
	if len(entries) != 0 {
		t.Fatalf("work dir not cleaned: %d entries", len(entries))
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

func TestAssembleFallsBackWhenTranscoderFails(t *testing.T) {
	for name, fake := range map[string]*fakeTranscoder{
		"error": {err: errors.New("exit status 1")},
		"empty": {output: nil},
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			a := New(fake, time.Second, newLogger())
			first := tagged("one", 4, false, true)
			second := tagged("two", 4, false, true)

			report, err := a.Assemble(context.Background(), Job{Buffers: [][]byte{first, second}, WorkDir: dir, Output: filepath.Join(dir, "out.mp3")})
			if err != nil {
				t.Fatalf("assemble: %v", err)
			}
			if report.Method != MethodSplice {
				t.Fatalf("expected splice, got %s", report.Method)
			}
			if report.TranscoderError == "" {
				t.Fatalf("expected transcoder error recorded")
			}
			if report.Size != int64(len(first)+3) {
				t.Fatalf("unexpected size %d", report.Size)
			}
		})
	}
}

func TestAssembleSpliceWithoutTranscoder(t *testing.T) {
	dir := t.TempDir()
	a := New(Unavailable(), time.Second, newLogger())
	buffers := [][]byte{[]byte("first"), tagged("", 16, false, false)}

	report, err := a.Assemble(context.Background(), Job{Buffers: buffers, Output: filepath.Join(dir, "out.mp3")})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if report.Method != MethodSplice || report.TranscoderError != "" {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Dropped) != 1 || report.Dropped[0] != 1 {
		t.Fatalf("expected index 1 dropped, got %v", report.Dropped)
	}
}

func TestAssembleErrors(t *testing.T) {
	dir := t.TempDir()
	a := New(Unavailable(), time.Second, newLogger())

	_, err := a.Assemble(context.Background(), Job{Output: filepath.Join(dir, "out.mp3")})
	if !errorsx.Is(err, errorsx.KindAssembly) {
		t.Fatalf("expected assembly error, got %v", err)
	}

	out := filepath.Join(dir, "missing", "out.mp3")
	_, err = a.Assemble(context.Background(), Job{Buffers: [][]byte{[]byte("a"), []byte("b")}, Output: out})
	var assembleErr *Error
	if !errors.As(err, &assembleErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("no output should exist")
	}
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(dir, "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecTranscoderConcat(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `if [ "$1" = "-version" ]; then echo fake; exit 0; fi
for last; do :; done
printf 'encoded' > "$last"
`)
	cfg := config.Default().Transcoder
	cfg.Mode = "exec"
	cfg.Command = script
	tr, err := Detect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !tr.Available() {
		t.Fatalf("expected exec transcoder")
	}

	a := New(tr, 5*time.Second, newLogger())
	out := filepath.Join(dir, "out.mp3")
	report, err := a.Assemble(context.Background(), Job{Buffers: [][]byte{[]byte("a"), []byte("b")}, WorkDir: filepath.Join(dir, "work"), Output: out})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if report.Method != MethodTranscoder {
		t.Fatalf("expected transcoder, got %s", report.Method)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "encoded" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestDetectModes(t *testing.T) {
	dir := t.TempDir()
	failing := writeScript(t, dir, "exit 3\n")

	cfg := config.Default().Transcoder
	cfg.Mode = "none"
	tr, err := Detect(context.Background(), cfg, newLogger())
	if err != nil || tr.Available() {
		t.Fatalf("none mode: %v %v", tr, err)
	}

	cfg.Mode = "auto"
	cfg.Command = failing
	tr, err = Detect(context.Background(), cfg, newLogger())
	if err != nil || tr.Available() {
		t.Fatalf("auto with failed probe should degrade: %v", err)
	}

	cfg.Mode = "exec"
	if _, err := Detect(context.Background(), cfg, newLogger()); err == nil {
		t.Fatalf("exec with failed probe should error")
	}
}
