package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/bus"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Load is a node's session occupancy.
type Load struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

func (l Load) Available() int {
	return max(l.Capacity-l.Active, 0)
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Heartbeats repeat the announcement so nodes that joined later learn
// about this one without a separate request.
type heartbeatMessage = announceMessage

type Registry struct {
	cfg          config.NodeConfig
	capabilities []Capability
	load         func() Load
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	nodes        map[string]*NodeInfo
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	meter        metric.Meter
	reg          metric.Registration
}

// NewRegistry announces this node with the given capabilities and keeps
// track of every other node on the bus. load is sampled for each
// heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, capabilities []Capability, load func() Load, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() Load { return Load{} }
	}
	r := &Registry{
		cfg:          cfg,
		capabilities: capabilities,
		load:         load,
		log:          log.With(slog.String("component", "capability-registry")),
		bus:          busClient,
		nodes:        make(map[string]*NodeInfo),
		meter:        otel.Meter("github.com/reza1984/Barid.Fonix.AI.Whisper/internal/capability"),
		cancel:       cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(protocol.SubjectNodeHeartbeatPrefix + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	interval := min(time.Second, time.Duration(r.cfg.HeartbeatInterval)*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := heartbeatMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Load:         r.load(),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement)
}

func (r *Registry) updateNode(msg announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
		r.log.Info("node discovered", slog.String("node_id", msg.NodeID), slog.String("role", msg.Role))
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if len(msg.Capabilities) > 0 {
		node.Capabilities = msg.Capabilities
	}
	node.Load = msg.Load
	if msg.Timestamp.After(node.LastSeen) {
		node.LastSeen = msg.Timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns known nodes matching every filter, sorted by id.
func (r *Registry) Query(filters ...func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
nodes:
	for _, node := range r.nodes {
		snapshot := *node
		snapshot.Capabilities = append([]Capability(nil), node.Capabilities...)
		for _, filter := range filters {
			if !filter(snapshot) {
				continue nodes
			}
		}
		results = append(results, snapshot)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodeGauge, err := r.meter.Int64ObservableGauge("whisper_nodes_known", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("whisper_nodes_healthy", metric.WithDescription("Number of nodes with recent heartbeats"))
	if err != nil {
		return err
	}
	r.reg, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, healthy := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, nodeGauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (nodes, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			healthy++
		}
	}
	return nodes, healthy
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

// WithAvailableCapacity keeps healthy nodes that can take another session.
func WithAvailableCapacity() func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Healthy && node.Load.Available() > 0
	}
}
