package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/errorsx"
)

// Method records how the final file was produced.
type Method string

const (
	MethodCopy       Method = "copy"
	MethodTranscoder Method = "transcoder"
	MethodSplice     Method = "splice"
)

// Job is one assembly: ordered MP3 buffers in, one file out.
type Job struct {
	Buffers [][]byte
	// WorkDir holds intermediate files for the transcoder. Required when
	// more than one buffer is assembled with a transcoder available.
	WorkDir string
	Output  string
}

// Report describes a finished assembly.
type Report struct {
	Path            string
	Size            int64
	Method          Method
	Dropped         []int
	TranscoderError string
}

// Error is an assembly failure.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assembly failed: %s: %v", e.Message, e.Err)
	}
	return "assembly failed: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() errorsx.Kind { return errorsx.KindAssembly }

// Assembler joins segment audio into a single file.
type Assembler struct {
	transcoder Transcoder
	timeout    time.Duration
	log        *slog.Logger
}

func New(t Transcoder, timeout time.Duration, log *slog.Logger) *Assembler {
	if t == nil {
		t = Unavailable()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Assembler{transcoder: t, timeout: timeout, log: log.With(slog.String("component", "assembler"))}
}

// Transcoder returns the transcoder selected at construction.
func (a *Assembler) Transcoder() Transcoder { return a.transcoder }

// Assemble writes job.Output. The file is built under a ".partial" name and
// renamed into place only when it is complete and non-empty.
func (a *Assembler) Assemble(ctx context.Context, job Job) (Report, error) {
	if len(job.Buffers) == 0 {
		return Report{}, &Error{Message: "no audio to assemble"}
	}
	if job.Output == "" {
		return Report{}, &Error{Message: "output path required"}
	}
	partial := job.Output + ".partial"
	report, err := a.assemble(ctx, job, partial)
	if err != nil {
		_ = os.Remove(partial)
		return Report{}, err
	}
	info, err := os.Stat(partial)
	if err != nil {
		_ = os.Remove(partial)
		return Report{}, &Error{Message: "stat output", Err: err}
	}
	if info.Size() == 0 {
		_ = os.Remove(partial)
		return Report{}, &Error{Message: "output is empty"}
	}
	if err := os.Rename(partial, job.Output); err != nil {
		_ = os.Remove(partial)
		return Report{}, &Error{Message: "finalize output", Err: err}
	}
	report.Path = job.Output
	report.Size = info.Size()
	return report, nil
}

func (a *Assembler) assemble(ctx context.Context, job Job, partial string) (Report, error) {
	if len(job.Buffers) == 1 {
		if err := os.WriteFile(partial, job.Buffers[0], 0o644); err != nil {
			return Report{}, &Error{Message: "write output", Err: err}
		}
		return Report{Method: MethodCopy}, nil
	}

	var report Report
	if a.transcoder.Available() {
		err := a.transcode(ctx, job, partial)
		if err == nil && nonEmpty(partial) {
			report.Method = MethodTranscoder
			return report, nil
		}
		if err == nil {
			err = errors.New("transcoder produced no output")
		}
		if ctx.Err() != nil {
			return Report{}, &Error{Message: "cancelled", Err: ctx.Err()}
		}
		a.log.Warn("transcoder concatenation failed, falling back to binary splice",
			slog.String("transcoder", a.transcoder.Name()),
			slog.String("error", err.Error()),
		)
		report.TranscoderError = err.Error()
		_ = os.Remove(partial)
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Report{}, &Error{Message: "create output", Err: err}
	}
	stats, err := Splice(f, job.Buffers)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Report{}, &Error{Message: "write output", Err: err}
	}
	if stats.Written == 0 {
		return Report{}, &Error{Message: "output is empty"}
	}
	if len(stats.Dropped) > 0 {
		a.log.Warn("segments contributed no audio after tag stripping", slog.Any("indexes", stats.Dropped))
	}
	report.Method = MethodSplice
	report.Dropped = stats.Dropped
	return report, nil
}

func (a *Assembler) transcode(ctx context.Context, job Job, partial string) error {
	if job.WorkDir == "" {
		return errors.New("work dir required for transcoding")
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return err
	}
	var files []string
	defer func() {
		for _, p := range files {
			_ = os.Remove(p)
		}
	}()

	var manifest strings.Builder
	for i, buf := range job.Buffers {
		p := filepath.Join(job.WorkDir, fmt.Sprintf("seg_%03d.mp3", i))
		if err := os.WriteFile(p, buf, 0o644); err != nil {
			return err
		}
		files = append(files, p)
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		manifest.WriteString("file '" + quoteConcatPath(filepath.ToSlash(abs)) + "'\n")
	}
	manifestPath := filepath.Join(job.WorkDir, "concat.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o644); err != nil {
		return err
	}
	files = append(files, manifestPath)

	tctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.transcoder.Concat(tctx, manifestPath, partial)
}

// quoteConcatPath escapes single quotes for the concat demuxer.
func quoteConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
