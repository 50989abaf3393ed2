package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/mattn/go-shellwords"
)

// ErrUnavailable is returned by a Transcoder that cannot run.
var ErrUnavailable = errors.New("transcoder unavailable")

// Transcoder re-encodes the files listed in a concat manifest into one MP3.
type Transcoder interface {
	Name() string
	Available() bool
	Concat(ctx context.Context, manifestPath, outputPath string) error
}

// Profile is the fixed output encoding.
type Profile struct {
	Bitrate    string
	SampleRate int
	Channels   int
}

type execTranscoder struct {
	cmd     []string
	profile Profile
}

// NewExecTranscoder parses command (e.g. "ffmpeg" or "nice -n 10 ffmpeg").
func NewExecTranscoder(command string, profile Profile) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command empty")
	}
	if profile.Bitrate == "" {
		profile.Bitrate = "192k"
	}
	if profile.SampleRate <= 0 {
		profile.SampleRate = 44100
	}
	if profile.Channels <= 0 {
		profile.Channels = 2
	}
	return &execTranscoder{cmd: args, profile: profile}, nil
}

func (e *execTranscoder) Name() string { return "exec:" + e.cmd[0] }

func (e *execTranscoder) Available() bool { return true }

// Probe runs the command with -version.
func (e *execTranscoder) Probe(ctx context.Context) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "-version")
	out, err := exec.CommandContext(ctx, e.cmd[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("probe %s: %w: %s", e.cmd[0], err, tail(out, 256))
	}
	return nil
}

func (e *execTranscoder) Concat(ctx context.Context, manifestPath, outputPath string) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"-hide_banner", "-loglevel", "warning", "-y",
		"-f", "concat", "-safe", "0", "-i", manifestPath,
		"-c:a", "libmp3lame",
		"-b:a", e.profile.Bitrate,
		"-ar", strconv.Itoa(e.profile.SampleRate),
		"-ac", strconv.Itoa(e.profile.Channels),
		"-f", "mp3", outputPath,
	)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var output bytes.Buffer
	command.Stdout = &output
	command.Stderr = &output
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transcoder timed out: %w", ctx.Err())
		}
		return fmt.Errorf("transcoder failed: %w: %s", err, tail(output.Bytes(), 512))
	}
	return nil
}

type unavailable struct{}

// Unavailable is the Transcoder used when no encoder can run.
func Unavailable() Transcoder { return unavailable{} }

func (unavailable) Name() string { return "none" }

func (unavailable) Available() bool { return false }

func (unavailable) Concat(context.Context, string, string) error { return ErrUnavailable }

// Detect selects the transcoder once at startup. In auto mode a failed probe
// degrades to Unavailable; in exec mode it is an error.
func Detect(ctx context.Context, cfg config.TranscoderConfig, log *slog.Logger) (Transcoder, error) {
	log = log.With(slog.String("component", "transcoder"))
	if cfg.Mode == "none" {
		log.Info("transcoder disabled, binary splice only")
		return Unavailable(), nil
	}
	t, err := NewExecTranscoder(cfg.Command, Profile{Bitrate: cfg.Bitrate, SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	if err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := t.(*execTranscoder).Probe(probeCtx); err != nil {
		if cfg.Mode == "exec" {
			return nil, err
		}
		log.Warn("transcoder not available, binary splice only", slog.String("error", err.Error()))
		return Unavailable(), nil
	}
	log.Info("transcoder available", slog.String("name", t.Name()))
	return t, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
