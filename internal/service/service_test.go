package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return pipeline.Result{
		RunID:             "run-1",
		Success:           true,
		OutputFile:        "narration_run-1.mp3",
		FileSize:          99,
		Method:            "splice",
		SegmentsTotal:     2,
		SegmentsSucceeded: 2,
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceRequestReply(t *testing.T) {
	client := startBus(t)
	runner := &fakeRunner{}
	svc := New(context.Background(), client, runner, "/output/", time.Minute, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("service should be healthy")
	}

	payload, _ := json.Marshal(protocol.SpeechRequest{Text: "1 Hello\n2 Hi", Voice2: "henry"})
	msg, err := client.Conn().Request(protocol.SubjectSpeechRequest, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.SpeechResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.RunID != "run-1" || resp.FileURLRelative != "/output/narration_run-1.mp3" {
		t.Fatalf("unexpected response %+v", resp)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.requests) != 1 || runner.requests[0].Voices["2"] != "henry" {
		t.Fatalf("unexpected runner requests %+v", runner.requests)
	}
}

func TestServiceInvalidPayload(t *testing.T) {
	client := startBus(t)
	svc := New(context.Background(), client, &fakeRunner{}, "/output/", time.Minute, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	msg, err := client.Conn().Request(protocol.SubjectSpeechRequest, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.SpeechResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || len(resp.Errors) != 1 || resp.Errors[0].Kind != errorsx.KindInvalidRequest {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServicePublishesCompletion(t *testing.T) {
	client := startBus(t)
	svc := New(context.Background(), client, &fakeRunner{}, "/output/", time.Minute, newLogger())

	sub, err := client.Conn().SubscribeSync(protocol.SubjectRunCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	svc.RunCompleted(context.Background(), pipeline.Result{RunID: "run-9", Success: true, Partial: true, SegmentsTotal: 2, SegmentsSucceeded: 1})
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var evt protocol.RunCompleted
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.RunID != "run-9" || !evt.Partial || evt.SegmentsSucceeded != 1 {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestServiceIgnoresRequestsAfterClose(t *testing.T) {
	runner := &fakeRunner{}
	svc := New(context.Background(), nil, runner, "/output/", time.Minute, newLogger())
	svc.Close()

	payload, _ := json.Marshal(protocol.SpeechRequest{Text: "1 Hello"})
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectSpeechRequest, Data: payload})
	svc.wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.requests) != 0 {
		t.Fatalf("expected no runs after close, got %d", len(runner.requests))
	}
}

func TestServiceCloseWaitsForRunningRequests(t *testing.T) {
	runner := &slowRunner{release: make(chan struct{}), started: make(chan struct{})}
	svc := New(context.Background(), nil, runner, "/output/", time.Minute, newLogger())

	payload, _ := json.Marshal(protocol.SpeechRequest{Text: "1 Hello"})
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectSpeechRequest, Data: payload})
	<-runner.started

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return after the run finished")
	}
}

type slowRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *slowRunner) Run(_ context.Context, _ pipeline.Request) pipeline.Result {
	close(r.started)
	<-r.release
	return pipeline.Result{RunID: "run-slow"}
}
