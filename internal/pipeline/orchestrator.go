package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
	"github.com/loqalabs/loqa-narrator/internal/runstore"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

// Options holds the orchestrator settings taken from configuration.
type Options struct {
	OutputDir        string
	DefaultName      string
	Voices           map[string]string
	DefaultVoice     string
	DefaultLanguage  string
	StyleInstruction string
	Concurrency      int
	PartialPolicy    string
	// SegmentBudget is the worst case for one segment: every attempt plus the
	// backoff between them. Zero disables the per-run deadline.
	SegmentBudget  time.Duration
	AssemblyBudget time.Duration
}

// OptionsFromConfig collects the settings Run needs.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		OutputDir:        cfg.Output.Directory,
		DefaultName:      cfg.Output.DefaultName,
		Voices:           cfg.Synthesis.Voices,
		DefaultVoice:     cfg.Synthesis.DefaultVoice,
		DefaultLanguage:  cfg.Synthesis.DefaultLanguage,
		StyleInstruction: cfg.Synthesis.StyleInstruction,
		Concurrency:      cfg.Pipeline.Concurrency,
		PartialPolicy:    cfg.Pipeline.PartialPolicy,
		SegmentBudget:    segmentBudget(cfg.Synthesis),
		AssemblyBudget:   time.Duration(cfg.Transcoder.TimeoutMS)*time.Millisecond + time.Minute,
	}
}

func segmentBudget(s config.SynthesisConfig) time.Duration {
	perAttempt := time.Duration(s.TimeoutMS) * time.Millisecond
	backoff := time.Duration(s.MaxAttempts*(s.MaxAttempts-1)/2*s.RetryDelayMS) * time.Millisecond
	return time.Duration(s.MaxAttempts)*perAttempt + backoff
}

// RunBudget bounds a run of n segments. Segments are synthesized in waves of
// Concurrency, so the per-segment budget is paid once per wave.
func (o Options) RunBudget(n int) time.Duration {
	if o.SegmentBudget <= 0 || n <= 0 {
		return 0
	}
	width := o.Concurrency
	if width < 1 {
		width = 1
	}
	waves := (n + width - 1) / width
	return time.Duration(waves)*o.SegmentBudget + o.AssemblyBudget
}

type attemptCounter interface {
	SynthesizeWithAttempts(ctx context.Context, req synth.Request) ([]byte, int, error)
}

// Orchestrator runs text through segmentation, synthesis and assembly.
type Orchestrator struct {
	opts      Options
	segmenter *segment.Segmenter
	synth     synth.Synthesizer
	assembler *assemble.Assembler
	store     *runstore.Store
	notifier  Notifier
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *instruments
	newID     func() string
	clock     func() time.Time
	active    atomic.Int64
}

// New wires an orchestrator. store may be nil.
func New(opts Options, seg *segment.Segmenter, s synth.Synthesizer, asm *assemble.Assembler, store *runstore.Store, log *slog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PartialPolicy == "" {
		opts.PartialPolicy = "combine"
	}
	if opts.DefaultName == "" {
		opts.DefaultName = "narration"
	}
	o := &Orchestrator{
		opts:      opts,
		segmenter: seg,
		synth:     s,
		assembler: asm,
		store:     store,
		log:       log.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer(instrumentationName),
		newID:     uuid.NewString,
		clock:     time.Now,
	}
	metrics, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		o.metrics = metrics
	}
	return o
}

// SetNotifier registers a receiver for completed runs.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// TranscoderName reports the transcoder selected at startup.
func (o *Orchestrator) TranscoderName() string {
	return o.assembler.Transcoder().Name()
}

// Segment exposes the configured segmenter.
func (o *Orchestrator) Segment(text string) []segment.Segment {
	return o.segmenter.Segment(text)
}

// Run executes one narration job.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	o.active.Add(1)
	defer o.active.Add(-1)
	start := o.clock()
	runID := o.newID()
	res := Result{RunID: runID, Segments: []SegmentOutcome{}}
	language := firstNonEmpty(req.Language, o.opts.DefaultLanguage)

	ctx, span := o.tracer.Start(ctx, "narrator.run", trace.WithAttributes(
		attribute.String("narrator.run_id", runID),
		attribute.String("narrator.language", language),
	))
	defer span.End()

	log := o.log.With(slog.String("run_id", runID))
	o.recordRun(ctx, runstore.Run{ID: runID, Status: "running", Language: language})
	o.recordEvent(ctx, runID, "run.started", map[string]any{"language": language, "chars": len(req.Text)})

	o.execute(ctx, log, req, language, &res)

	elapsed := o.clock().Sub(start)
	o.metrics.run(ctx, res, elapsed)
	span.SetAttributes(
		attribute.Int("narrator.segments_total", res.SegmentsTotal),
		attribute.Int("narrator.segments_succeeded", res.SegmentsSucceeded),
		attribute.Bool("narrator.partial", res.Partial),
	)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.FirstErrorKind()))
	}

	status := runOutcome(res)
	o.recordRun(ctx, runstore.Run{ID: runID, Status: status, Language: language, Segments: res.SegmentsTotal})
	o.recordEvent(ctx, runID, "run.completed", res)

	log.Info("run finished",
		slog.String("outcome", status),
		slog.Int("segments", res.SegmentsTotal),
		slog.Int("succeeded", res.SegmentsSucceeded),
		slog.String("output", res.OutputFile),
		slog.Duration("elapsed", elapsed),
	)
	if o.notifier != nil {
		o.notifier.RunCompleted(ctx, res)
	}
	return res
}

func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, req Request, language string, res *Result) {
	if strings.TrimSpace(req.Text) == "" {
		res.fail(errorsx.KindEmptyInput, "text is empty")
		return
	}
	segs := o.segmenter.Segment(req.Text)
	if len(segs) == 0 {
		res.fail(errorsx.KindNoSegments, "no segments found: prefix each line with a speaker tag")
		return
	}
	res.SegmentsTotal = len(segs)

	if budget := o.opts.RunBudget(len(segs)); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	scratch := filepath.Join(o.opts.OutputDir, ".run-"+res.RunID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		res.fail(errorsx.KindAssembly, fmt.Sprintf("create scratch dir: %v", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("failed to remove scratch dir", slog.String("dir", scratch), slogError(err))
		}
	}()

	style := firstNonEmpty(req.StyleInstruction, o.opts.StyleInstruction)
	buffers, errs := o.synthesizeAll(ctx, res.RunID, segs, req.Voices, language, style, res)

	var (
		ordered [][]byte
		origin  []int
	)
	for i, buf := range buffers {
		if errs[i] == nil {
			ordered = append(ordered, buf)
			origin = append(origin, i)
			continue
		}
		res.Errors = append(res.Errors, segmentError(i, segs[i], errs[i]))
	}
	res.SegmentsSucceeded = len(ordered)
	failed := res.SegmentsTotal - res.SegmentsSucceeded

	switch {
	case len(ordered) == 0:
		res.fail(errorsx.KindSynthesis, "no segment could be synthesized")
		return
	case failed > 0 && o.opts.PartialPolicy == "abort":
		res.fail(errorsx.KindPartialFailure, fmt.Sprintf("%d of %d segments failed", failed, res.SegmentsTotal))
		return
	}

	name := outputName(req.OutputName, o.opts.DefaultName) + "_" + res.RunID + ".mp3"
	report, err := o.assemble(ctx, assemble.Job{
		Buffers: ordered,
		WorkDir: scratch,
		Output:  filepath.Join(o.opts.OutputDir, name),
	})
	if err != nil {
		res.fail(errorsx.KindAssembly, err.Error())
		return
	}

	res.Success = true
	res.OutputFile = name
	res.OutputPath = report.Path
	res.FileSize = report.Size
	res.Method = report.Method
	for _, d := range report.Dropped {
		i := origin[d]
		res.Partial = true
		res.Errors = append(res.Errors, ErrorDetail{
			Kind:    errorsx.KindAssembly,
			Index:   i,
			Tag:     segs[i].Tag,
			Message: "segment audio held no frames after tag removal and was left out",
		})
	}
	if failed > 0 {
		res.Partial = true
		res.Errors = append(res.Errors, ErrorDetail{
			Kind:    errorsx.KindPartialFailure,
			Index:   -1,
			Message: fmt.Sprintf("%d of %d segments failed; combined file is incomplete", failed, res.SegmentsTotal),
		})
	}
}

func (o *Orchestrator) assemble(ctx context.Context, job assemble.Job) (assemble.Report, error) {
	ctx, span := o.tracer.Start(ctx, "narrator.assemble", trace.WithAttributes(attribute.Int("narrator.buffers", len(job.Buffers))))
	defer span.End()
	report, err := o.assembler.Assemble(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assembly failed")
		return report, err
	}
	span.SetAttributes(attribute.String("narrator.method", string(report.Method)), attribute.Int64("narrator.bytes", report.Size))
	return report, nil
}

// synthesizeAll fans out one call per segment, at most Concurrency at a time.
// Both returned slices are indexed by segment position.
func (o *Orchestrator) synthesizeAll(ctx context.Context, runID string, segs []segment.Segment, voices map[string]string, language, style string, res *Result) ([][]byte, []error) {
	buffers := make([][]byte, len(segs))
	errs := make([]error, len(segs))
	outcomes := make([]SegmentOutcome, len(segs))
	sema := make(chan struct{}, o.opts.Concurrency)
	var wg sync.WaitGroup

	for i, seg := range segs {
		wg.Add(1)
		go func(i int, seg segment.Segment) {
			defer wg.Done()
			select {
			case sema <- struct{}{}:
			case <-ctx.Done():
				errs[i] = fmt.Errorf("segment not started: %w", ctx.Err())
				outcomes[i] = SegmentOutcome{Index: i, Tag: seg.Tag, VoiceID: o.voiceFor(seg.Tag, voices), Error: errs[i].Error()}
				return
			}
			defer func() { <-sema }()

			req := synth.Request{
				Text:             seg.Text,
				VoiceID:          o.voiceFor(seg.Tag, voices),
				Language:         language,
				StyleInstruction: style,
			}
			buffers[i], outcomes[i], errs[i] = o.synthesizeOne(ctx, runID, i, seg, req)
		}(i, seg)
	}
	wg.Wait()

	res.Segments = outcomes
	return buffers, errs
}

func (o *Orchestrator) synthesizeOne(ctx context.Context, runID string, index int, seg segment.Segment, req synth.Request) ([]byte, SegmentOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "narrator.segment", trace.WithAttributes(
		attribute.Int("narrator.segment_index", index),
		attribute.String("narrator.segment_tag", seg.Tag),
		attribute.String("narrator.voice_id", req.VoiceID),
	))
	defer span.End()

	outcome := SegmentOutcome{Index: index, Tag: seg.Tag, VoiceID: req.VoiceID}
	var (
		audio []byte
		err   error
	)
	if counter, ok := o.synth.(attemptCounter); ok {
		audio, outcome.Attempts, err = counter.SynthesizeWithAttempts(ctx, req)
	} else {
		audio, err = o.synth.Synthesize(ctx, req)
		outcome.Attempts = 1
		if err == nil && len(audio) == 0 {
			err = &synth.Error{Message: "provider returned no audio"}
		}
	}
	o.metrics.segment(ctx, err == nil, outcome.Attempts)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorsx.KindOf(err)))
		outcome.Error = err.Error()
		o.log.Warn("segment failed",
			slog.String("run_id", runID),
			slog.Int("index", index),
			slog.String("tag", seg.Tag),
			slogError(err),
		)
		o.recordEvent(ctx, runID, "segment.failed", segmentFailure{SegmentOutcome: outcome, Kind: errorsx.KindOf(err), Status: synth.StatusOf(err)})
		return nil, outcome, err
	}
	outcome.Bytes = len(audio)
	o.recordEvent(ctx, runID, "segment.completed", outcome)
	return audio, outcome, nil
}

type segmentFailure struct {
	SegmentOutcome
	Kind   errorsx.Kind `json:"kind"`
	Status int          `json:"status,omitempty"`
}

func segmentError(index int, seg segment.Segment, err error) ErrorDetail {
	kind := errorsx.KindOf(err)
	if kind != errorsx.KindRetryExhausted {
		kind = errorsx.KindSynthesis
	}
	return ErrorDetail{Kind: kind, Index: index, Tag: seg.Tag, Status: synth.StatusOf(err), Message: synth.MessageOf(err)}
}

func (o *Orchestrator) voiceFor(tag string, voices map[string]string) string {
	if v := strings.TrimSpace(voices[tag]); v != "" {
		return v
	}
	if v := strings.TrimSpace(o.opts.Voices[tag]); v != "" {
		return v
	}
	return o.opts.DefaultVoice
}

func (o *Orchestrator) recordRun(ctx context.Context, run runstore.Run) {
	if !o.store.Enabled() {
		return
	}
	if err := o.store.PutRun(context.WithoutCancel(ctx), run); err != nil {
		o.log.Warn("failed to record run", slog.String("run_id", run.ID), slogError(err))
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, runID, eventType string, payload any) {
	if !o.store.Enabled() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("failed to encode run event", slog.String("type", eventType), slogError(err))
		return
	}
	if err := o.store.AppendEvent(context.WithoutCancel(ctx), runstore.Event{RunID: runID, Type: eventType, Payload: data}); err != nil {
		o.log.Warn("failed to record run event", slog.String("run_id", runID), slog.String("type", eventType), slogError(err))
	}
}

// ActiveRuns reports how many runs are executing right now.
func (o *Orchestrator) ActiveRuns() int { return int(o.active.Load()) }

// Concurrency is the per-run segment parallelism.
func (o *Orchestrator) Concurrency() int { return o.opts.Concurrency }

// outputName reduces a caller-supplied file name to a safe base name.
func outputName(requested, fallback string) string {
	base := filepath.Base(strings.TrimSpace(requested))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_.")
	if name == "" {
		return fallback
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
