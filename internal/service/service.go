package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// RunStream captures completion events when JetStream is available.
const RunStream = "NARRATOR_RUNS"

// Runner executes narration jobs.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Service answers narration requests on the bus and publishes completion
// events for every run.
type Service struct {
	bus          *bus.Client
	runner       Runner
	publicPrefix string
	timeout      time.Duration
	sub          *nats.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *slog.Logger

	// mu guards closed so no run is added to wg once Close is waiting on it.
	mu     sync.Mutex
	closed bool
}

// New builds the bus service. A zero timeout leaves each run bounded only by
// the orchestrator's own per-run budget.
func New(parent context.Context, busClient *bus.Client, runner Runner, publicPrefix string, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:          busClient,
		runner:       runner,
		publicPrefix: publicPrefix,
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.With(slog.String("component", "narrator-service")),
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(RunStream, []string{protocol.SubjectRunCompleted}, 7*24*time.Hour); err != nil {
		s.logger.Warn("run stream unavailable, completion events are not retained", slogError(err))
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSpeechRequest, "narrator", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for requests", slog.String("subject", protocol.SubjectSpeechRequest))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.bus.Healthy() }

// RunCompleted publishes a completion event; it satisfies pipeline.Notifier.
func (s *Service) RunCompleted(_ context.Context, res pipeline.Result) {
	if err := s.bus.PublishJSON(protocol.SubjectRunCompleted, protocol.NewRunCompleted(res, time.Now())); err != nil {
		s.logger.Warn("failed to publish completion event", slog.String("run_id", res.RunID), slogError(err))
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode narration request", slogError(err))
		s.reply(msg, protocol.SpeechResponse{
			Segments: []pipeline.SegmentOutcome{},
			Errors:   []pipeline.ErrorDetail{{Kind: errorsx.KindInvalidRequest, Index: -1, Message: "invalid JSON payload"}},
			Error:    "invalid JSON payload",
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.SpeechResponse{
			Segments: []pipeline.SegmentOutcome{},
			Errors:   []pipeline.ErrorDetail{{Kind: errorsx.KindUnknown, Index: -1, Message: "narrator is shutting down"}},
			Error:    "narrator is shutting down",
		})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()

		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
		}
		defer cancel()

		res := s.runner.Run(ctx, req.PipelineRequest())
		s.reply(msg, protocol.NewSpeechResponse(res, "", s.publicPrefix))
	}()
}

func (s *Service) reply(msg *nats.Msg, resp protocol.SpeechResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal narration response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send narration response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
