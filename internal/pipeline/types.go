package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
)

// Request is one narration job.
type Request struct {
	Text string
	// Voices maps a speaker tag to a voice id. Tags without an entry use the
	// configured voice for that tag, then the default voice.
	Voices           map[string]string
	Language         string
	StyleInstruction string
	// OutputName is the base name of the combined file. The run id and the
	// .mp3 extension are always appended.
	OutputName string
}

// SegmentOutcome reports what happened to one segment.
type SegmentOutcome struct {
	Index    int    `json:"index"`
	Tag      string `json:"tag"`
	VoiceID  string `json:"voice_id"`
	Attempts int    `json:"attempts"`
	Bytes    int    `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// ErrorDetail is one entry of Result.Errors. Index is -1 for errors that
// concern the whole run.
type ErrorDetail struct {
	Kind    errorsx.Kind `json:"kind"`
	Index   int          `json:"index"`
	Tag     string       `json:"tag,omitempty"`
	Status  int          `json:"status,omitempty"`
	Message string       `json:"message"`
}

// Result is the outcome of Run. Every failure is reported here; Run never
// returns an error.
type Result struct {
	RunID             string           `json:"run_id"`
	Success           bool             `json:"success"`
	Partial           bool             `json:"partial"`
	OutputFile        string           `json:"output_file,omitempty"`
	OutputPath        string           `json:"output_path,omitempty"`
	FileSize          int64            `json:"file_size,omitempty"`
	Method            assemble.Method  `json:"method,omitempty"`
	SegmentsTotal     int              `json:"segments_total"`
	SegmentsSucceeded int              `json:"segments_succeeded"`
	Segments          []SegmentOutcome `json:"segments"`
	Errors            []ErrorDetail    `json:"errors,omitempty"`
}

// FirstErrorKind returns the kind of the first error entry, or "".
func (r Result) FirstErrorKind() errorsx.Kind {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Kind
}

func (r *Result) fail(kind errorsx.Kind, msg string) {
	r.Success = false
	r.Errors = append(r.Errors, ErrorDetail{Kind: kind, Index: -1, Message: msg})
}

// Notifier is told about every finished run.
type Notifier interface {
	RunCompleted(ctx context.Context, res Result)
}
