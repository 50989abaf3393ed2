package protocol

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

const (
	SubjectSpeechRequest        = "narrator.request"
	SubjectRunCompleted         = "narrator.run.completed"
	SubjectNodeAnnounce         = "narrator.node.announce"
	SubjectNodeHeartbeatPrefix  = "narrator.node.heartbeat"
	SubjectNodeHeartbeatPattern = SubjectNodeHeartbeatPrefix + ".*"
	SubjectNodeLeave            = "narrator.node.leave"
)

// SpeechRequest is the inbound payload for HTTP and bus requests.
type SpeechRequest struct {
	Text          string            `json:"text"`
	Voices        map[string]string `json:"voices,omitempty"`
	Voice1        string            `json:"voice_1,omitempty"`
	Voice2        string            `json:"voice_2,omitempty"`
	FemaleVoice   string            `json:"female_voice,omitempty"`
	MaleVoice     string            `json:"male_voice,omitempty"`
	Language      string            `json:"language,omitempty"`
	AIInstruction string            `json:"ai_instruction,omitempty"`
	OutputFile    string            `json:"output_file,omitempty"`
}

// VoiceMap merges the voice fields into one tag map. Explicit voices entries
// win over voice_1/voice_2, which win over female_voice (tag 1) and
// male_voice (tag 2).
func (r SpeechRequest) VoiceMap() map[string]string {
	voices := make(map[string]string)
	set := func(tag, voice string) {
		voice = strings.TrimSpace(voice)
		if voice == "" {
			return
		}
		if _, ok := voices[tag]; !ok {
			voices[tag] = voice
		}
	}
	for tag, voice := range r.Voices {
		set(tag, voice)
	}
	set("1", r.Voice1)
	set("2", r.Voice2)
	set("1", r.FemaleVoice)
	set("2", r.MaleVoice)
	return voices
}

// PipelineRequest converts the payload for the orchestrator.
func (r SpeechRequest) PipelineRequest() pipeline.Request {
	return pipeline.Request{
		Text:             r.Text,
		Voices:           r.VoiceMap(),
		Language:         strings.TrimSpace(r.Language),
		StyleInstruction: r.AIInstruction,
		OutputName:       r.OutputFile,
	}
}

// SpeechResponse is returned for every request.
type SpeechResponse struct {
	Success           bool                      `json:"success"`
	RunID             string                    `json:"run_id"`
	OutputFile        string                    `json:"output_file,omitempty"`
	FileURL           string                    `json:"file_url,omitempty"`
	FileURLRelative   string                    `json:"file_url_relative,omitempty"`
	FileSize          int64                     `json:"file_size,omitempty"`
	Method            string                    `json:"method,omitempty"`
	Partial           bool                      `json:"partial"`
	SegmentsProcessed int                       `json:"segments_processed"`
	Segments          []pipeline.SegmentOutcome `json:"segments"`
	Errors            []pipeline.ErrorDetail    `json:"errors,omitempty"`
	Error             string                    `json:"error,omitempty"`
}

// NewSpeechResponse renders res. baseURL may be empty, in which case only the
// relative file URL is set.
func NewSpeechResponse(res pipeline.Result, baseURL, publicPrefix string) SpeechResponse {
	resp := SpeechResponse{
		Success:           res.Success,
		RunID:             res.RunID,
		OutputFile:        res.OutputFile,
		FileSize:          res.FileSize,
		Method:            string(res.Method),
		Partial:           res.Partial,
		SegmentsProcessed: res.SegmentsSucceeded,
		Segments:          res.Segments,
		Errors:            res.Errors,
	}
	if resp.Segments == nil {
		resp.Segments = []pipeline.SegmentOutcome{}
	}
	if res.OutputFile != "" {
		prefix := "/" + strings.Trim(publicPrefix, "/") + "/"
		if prefix == "//" {
			prefix = "/"
		}
		resp.FileURLRelative = prefix + res.OutputFile
		if baseURL != "" {
			resp.FileURL = strings.TrimRight(baseURL, "/") + resp.FileURLRelative
		}
	}
	if !res.Success && len(res.Errors) > 0 {
		resp.Error = res.Errors[len(res.Errors)-1].Message
	}
	return resp
}

// RunCompleted is published after every run.
type RunCompleted struct {
	RunID             string    `json:"run_id"`
	Success           bool      `json:"success"`
	Partial           bool      `json:"partial"`
	OutputFile        string    `json:"output_file,omitempty"`
	FileSize          int64     `json:"file_size,omitempty"`
	Method            string    `json:"method,omitempty"`
	SegmentsTotal     int       `json:"segments_total"`
	SegmentsSucceeded int       `json:"segments_succeeded"`
	ErrorKinds        []string  `json:"error_kinds,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewRunCompleted(res pipeline.Result, now time.Time) RunCompleted {
	evt := RunCompleted{
		RunID:             res.RunID,
		Success:           res.Success,
		Partial:           res.Partial,
		OutputFile:        res.OutputFile,
		FileSize:          res.FileSize,
		Method:            string(res.Method),
		SegmentsTotal:     res.SegmentsTotal,
		SegmentsSucceeded: res.SegmentsSucceeded,
		Timestamp:         now.UTC(),
	}
	for _, e := range res.Errors {
		evt.ErrorKinds = append(evt.ErrorKinds, string(e.Kind))
	}
	return evt
}
