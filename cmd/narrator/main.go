package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/runstore"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/segment"
)

var version = "0.1.0-dev"

const usage = `usage:
  narrator render [flags] <input_file> [output_file] [api_key]
  narrator segments [-config file] <input_file>
  narrator submit [flags] <input_file>
  narrator version`

// voiceFlags collects repeated -voice tag=voice pairs.
type voiceFlags map[string]string

func (v voiceFlags) String() string {
	pairs := make([]string, 0, len(v))
	for tag, voice := range v {
		pairs = append(pairs, tag+"="+voice)
	}
	return strings.Join(pairs, ",")
}

func (v voiceFlags) Set(value string) error {
	tag, voice, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(tag) == "" || strings.TrimSpace(voice) == "" {
		return fmt.Errorf("expected tag=voice, got %q", value)
	}
	v[strings.TrimSpace(tag)] = strings.TrimSpace(voice)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(ctx, os.Args[2:], os.Stdout)
	case "segments":
		err = runSegments(os.Args[2:], os.Stdout)
	case "submit":
		err = runSubmit(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRender(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath  string
		apiKey      string
		language    string
		instruction string
		verbose     bool
		voices      = voiceFlags{}
	)
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus NARRATOR_* env when empty)")
	fs.StringVar(&apiKey, "api-key", "", "Synthesis API key")
	fs.StringVar(&language, "language", "", "Language code, e.g. en-US")
	fs.StringVar(&instruction, "instruction", "", "Style instruction sent with en-US requests")
	fs.BoolVar(&verbose, "v", false, "Log progress to stderr")
	fs.Var(voices, "voice", "Voice for a speaker tag as tag=voice (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 3 {
		return errors.New(usage)
	}
	inputPath := rest[0]
	var outputPath string
	if len(rest) > 1 {
		outputPath = rest[1]
	}
	if len(rest) > 2 && apiKey == "" {
		apiKey = rest[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if apiKey != "" {
		cfg.Synthesis.APIKey = apiKey
	}
	if outputPath != "" {
		cfg.Output.Directory = filepath.Dir(outputPath)
	}
	cfg.RunStore.RetentionMode = "ephemeral"

	text, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := runstore.Open(ctx, cfg.RunStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	orchestrator, err := runtime.BuildPipeline(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	res := orchestrator.Run(ctx, pipeline.Request{
		Text:             string(text),
		Voices:           voices,
		Language:         language,
		StyleInstruction: instruction,
		OutputName:       filepath.Base(outputPath),
	})
	if res.Success && outputPath != "" && res.OutputPath != outputPath {
		if err := os.Rename(res.OutputPath, outputPath); err != nil {
			return fmt.Errorf("move output: %w", err)
		}
		res.OutputPath = outputPath
		res.OutputFile = filepath.Base(outputPath)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("render failed: %s", res.FirstErrorKind())
	}
	return nil
}

func runSegments(args []string, stdout io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet("segments", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(usage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	seg, err := segment.FromConfig(cfg.Segmenter)
	if err != nil {
		return err
	}
	text, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	segs := seg.Segment(string(text))
	if segs == nil {
		segs = []segment.Segment{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Segments []segment.Segment `json:"segments"`
		Tags     []string          `json:"tags"`
	}{Segments: segs, Tags: segment.Tags(segs)})
}

// runSubmit hands a script to a running narratord over the bus and prints
// its response.
func runSubmit(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath  string
		servers     string
		language    string
		instruction string
		outputName  string
		timeout     time.Duration
		voices      = voiceFlags{}
	)
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&servers, "servers", "", "Comma separated NATS URLs (overrides bus.servers)")
	fs.StringVar(&language, "language", "", "Language code, e.g. en-US")
	fs.StringVar(&instruction, "instruction", "", "Style instruction sent with en-US requests")
	fs.StringVar(&outputName, "output-name", "", "Base name for the narration file")
	fs.DurationVar(&timeout, "timeout", 10*time.Minute, "How long to wait for the narration")
	fs.Var(voices, "voice", "Voice for a speaker tag as tag=voice (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(usage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servers != "" {
		cfg.Bus.Servers = strings.Split(servers, ",")
	}
	text, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req := protocol.SpeechRequest{
		Text:          string(text),
		Voices:        voices,
		Language:      language,
		AIInstruction: instruction,
		OutputFile:    outputName,
	}
	var resp protocol.SpeechResponse
	if err := client.RequestJSON(ctx, protocol.SubjectSpeechRequest, req, &resp); err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("narration failed: %s", resp.Error)
	}
	return nil
}
