package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	CapabilityNarration = "narration.multi_voice"
	CapabilityConcat    = "audio.concat"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Load is a node's narration workload at the time of its last message.
type Load struct {
	ActiveRuns  int `json:"active_runs"`
	Concurrency int `json:"concurrency"`
}

// LoadFunc samples the local workload for announcements and heartbeats.
type LoadFunc func() Load

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// nodeMessage is the payload of announce, heartbeat and leave subjects.
// Capabilities are only sent on announce.
type nodeMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Load         *Load        `json:"load,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Registry announces this narrator node on the bus and tracks its peers, so
// clients can see which nodes are live and how busy each one is.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	load   LoadFunc
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription
	done   sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry subscribes to node traffic, announces the local node and starts
// the heartbeat loop. load may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, load LoadFunc, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		load:   load,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		clock:  func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-narrator/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		r.unsubscribe()
		return nil, err
	}

	r.done.Add(1)
	go r.loop(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

// Local describes what this process offers given its configuration.
func Local(cfg config.Config, transcoder string) []Capability {
	return []Capability{
		{Name: CapabilityNarration, Attributes: map[string]string{
			"provider":       cfg.Synthesis.Mode,
			"default_voice":  cfg.Synthesis.DefaultVoice,
			"partial_policy": cfg.Pipeline.PartialPolicy,
		}},
		{Name: CapabilityConcat, Attributes: map[string]string{
			"transcoder": transcoder,
		}},
	}
}

// Close stops the loops and tells peers this node is gone.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.done.Wait()
	if err := r.publish(protocol.SubjectNodeLeave, nodeMessage{NodeID: r.cfg.ID, Timestamp: r.clock()}); err != nil {
		r.log.Debug("failed to publish leave", slog.String("error", err.Error()))
	}
	r.unsubscribe()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := []struct {
		subject string
		handle  nats.MsgHandler
	}{
		{protocol.SubjectNodeAnnounce, r.handleAnnounce},
		{protocol.SubjectNodeHeartbeatPattern, r.handleHeartbeat},
		{protocol.SubjectNodeLeave, r.handleLeave},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// loop publishes heartbeats and ages out silent peers.
func (r *Registry) loop(ctx context.Context) {
	defer r.done.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			subject := fmt.Sprintf("%s.%s", protocol.SubjectNodeHeartbeatPrefix, r.cfg.ID)
			if err := r.publish(subject, r.localMessage(false)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth(r.clock())
		}
	}
}

func (r *Registry) localMessage(withCapabilities bool) nodeMessage {
	msg := nodeMessage{NodeID: r.cfg.ID, Timestamp: r.clock()}
	if withCapabilities {
		msg.Capabilities = r.local
	}
	if r.load != nil {
		l := r.load()
		msg.Load = &l
	}
	return msg
}

func (r *Registry) announce() error {
	msg := r.localMessage(true)
	if err := r.publish(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg)
	return nil
}

func (r *Registry) publish(subject string, msg nodeMessage) error {
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) decode(msg *nats.Msg) (nodeMessage, bool) {
	var m nodeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return m, false
	}
	if m.NodeID == "" {
		return m, false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.clock()
	}
	return m, true
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok {
		return
	}
	// Answer newcomers so they learn about this node before the next heartbeat.
	if r.observe(m) && m.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	if m, ok := r.decode(msg); ok {
		r.observe(m)
	}
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok || m.NodeID == r.cfg.ID {
		return
	}
	r.mu.Lock()
	delete(r.nodes, m.NodeID)
	r.mu.Unlock()
	r.log.Info("node left", slog.String("node_id", m.NodeID))
}

// observe records a node message and reports whether the node was unknown.
func (r *Registry) observe(m nodeMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &NodeInfo{ID: m.NodeID}
		r.nodes[m.NodeID] = node
	}
	if len(m.Capabilities) > 0 {
		node.Capabilities = m.Capabilities
	}
	if m.Load != nil {
		node.Load = *m.Load
	}
	node.LastSeen = m.Timestamp
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy is true while the local node sees its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes sorted by id.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// LeastLoaded picks the healthy narration node with the fewest active runs.
// Ties go to the lowest id.
func (r *Registry) LeastLoaded() (NodeInfo, bool) {
	candidates := r.Nodes(All(HealthyOnly, WithCapabilityFilter(CapabilityNarration)))
	if len(candidates) == 0 {
		return NodeInfo{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Load.ActiveRuns < candidates[j].Load.ActiveRuns
	})
	return candidates[0], true
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("narrator.nodes", metric.WithDescription("Number of known narrator nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("narrator.nodes.healthy", metric.WithDescription("Narrator nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, live := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, live)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, live int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			live++
		}
	}
	return total, live
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func HealthyOnly(node NodeInfo) bool { return node.Healthy }

// All combines filters; nil entries are skipped.
func All(filters ...func(NodeInfo) bool) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, f := range filters {
			if f != nil && !f(node) {
				return false
			}
		}
		return true
	}
}
