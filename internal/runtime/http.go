package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/runstore"
)

const maxRequestBytes = 1 << 20

// Runner executes narration jobs.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

type api struct {
	runner       Runner
	store        *runstore.Store
	registry     *capability.Registry
	outputDir    string
	publicPrefix string
	// timeout caps a request on top of the run budget when set.
	timeout      time.Duration
	log          *slog.Logger
}

type runView struct {
	RunID     string      `json:"run_id"`
	Status    string      `json:"status"`
	Language  string      `json:"language,omitempty"`
	Segments  int         `json:"segments"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Events    []eventView `json:"events"`
}

type eventView struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/speech/multi", a.handleSpeech)
	mux.HandleFunc("GET /v1/runs/{id}", a.handleRun)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
	prefix := "/" + strings.Trim(a.publicPrefix, "/") + "/"
	mux.Handle(prefix, http.StripPrefix(prefix, outputFiles(a.outputDir)))
}

func (a *api) handleSpeech(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, errorsx.KindInvalidRequest, "method not allowed")
		return
	}

	var req protocol.SpeechRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorsx.KindInvalidRequest, "invalid JSON payload")
		return
	}

	ctx := r.Context()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	res := a.runner.Run(ctx, req.PipelineRequest())

	writeJSON(w, statusFor(res), protocol.NewSpeechResponse(res, baseURL(r), a.publicPrefix))
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := a.store.GetRun(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorsx.KindInvalidRequest, "run not found")
		return
	}
	if err != nil {
		a.log.Warn("failed to load run", slog.String("run_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, errorsx.KindUnknown, "run lookup failed")
		return
	}
	events, err := a.store.ListRunEvents(r.Context(), id, 500)
	if err != nil {
		a.log.Warn("failed to load run events", slog.String("run_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, errorsx.KindUnknown, "run lookup failed")
		return
	}
	view := runView{
		RunID:     run.ID,
		Status:    run.Status,
		Language:  run.Language,
		Segments:  run.Segments,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Events:    make([]eventView, 0, len(events)),
	}
	for _, e := range events {
		ev := eventView{Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		view.Events = append(view.Events, ev)
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		writeError(w, http.StatusNotFound, errorsx.KindInvalidRequest, "node registry disabled")
		return
	}
	q := r.URL.Query()
	var filters []func(capability.NodeInfo) bool
	if name := q.Get("capability"); name != "" {
		filters = append(filters, capability.WithCapabilityFilter(name))
	}
	if q.Get("healthy") == "true" {
		filters = append(filters, capability.HealthyOnly)
	}
	body := map[string]any{"nodes": a.registry.Nodes(capability.All(filters...))}
	if best, ok := a.registry.LeastLoaded(); ok {
		body["least_loaded"] = best.ID
	}
	writeJSON(w, http.StatusOK, body)
}

// statusFor maps a run result to an HTTP status: caller mistakes are 400,
// everything else that failed is 500.
func statusFor(res pipeline.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.FirstErrorKind() {
	case errorsx.KindEmptyInput, errorsx.KindNoSegments, errorsx.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// outputFiles serves finished audio only: no listings, no hidden entries.
func outputFiles(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		base := path.Base(name)
		if name == "/" || strings.HasPrefix(base, ".") || strings.Count(name, "/") != 1 || strings.HasSuffix(base, ".partial") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		files.ServeHTTP(w, r)
	})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	if r.Host == "" {
		return ""
	}
	return scheme + "://" + r.Host
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeError(w http.ResponseWriter, status int, kind errorsx.Kind, msg string) {
	writeJSON(w, status, protocol.SpeechResponse{
		Segments: []pipeline.SegmentOutcome{},
		Errors:   []pipeline.ErrorDetail{{Kind: kind, Index: -1, Message: msg}},
		Error:    msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
