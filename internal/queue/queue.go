// Package queue implements the priority-ordered Command Queue described in
// spec §4.9, grounded on original_source
// app/services/command_queue.py's CommandQueue: a heapq-backed priority
// queue keyed on (priority, enqueue_time), capability-based agent routing,
// automatic retry on failure, and a snapshot persistence file replayed on
// startup.
package queue

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
)

const defaultMaxQueueSize = 1000

// capabilityMap mirrors CommandQueue._capability_map: the tags a command
// type requires from an agent before it can be dequeued for it. canHandle
// matches each tag against the agent's capability set and its kind.
// "*" means any agent qualifies.
var capabilityMap = map[string][]string{
	"research":   {"gemini", "kimi", "nova", "claude"},
	"code":       {"deepseek", "qwen-coder", "claude", "codex"},
	"review":     {"claude", "mistral", "cogito", "codex"},
	"search":     {"gemini", "kimi", "nova"},
	"chat":       {"*"},
	"coordinate": {"gemini"},
}

// item is one entry in the internal priority heap.
type item struct {
	cmd   *meshtypes.Command
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority < h[j].cmd.Priority
	}
	return h[i].cmd.EnqueueTime.Before(h[j].cmd.EnqueueTime)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the central command queue shared by every agent and mesh
// endpoint in the system.
type Queue struct {
	mu           sync.Mutex
	heap         priorityHeap
	commands     map[string]*meshtypes.Command
	agents       map[string]*meshtypes.Agent
	maxQueueSize int
	store        snapshotStore
	logger       meshlog.Logger
}

// Config configures a new Queue. When RedisURL is set, snapshots persist
// to Redis instead of SnapshotPath, so multiple meshd replicas can share
// one queue's recovery state; SnapshotPath remains the single-process
// default.
type Config struct {
	MaxQueueSize int
	SnapshotPath string
	RedisURL     string
}

// New creates a Queue, replaying any prior snapshot. RUNNING commands
// found in the snapshot are reset to QUEUED with a warning, since a
// RUNNING command in a snapshot means the process died mid-execution.
func New(cfg Config, logger meshlog.Logger) (*Queue, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue")
	}
	q := &Queue{
		commands:     make(map[string]*meshtypes.Command),
		agents:       make(map[string]*meshtypes.Agent),
		maxQueueSize: cfg.MaxQueueSize,
		logger:       logger,
	}
	heap.Init(&q.heap)

	switch {
	case cfg.RedisURL != "":
		store, err := newRedisSnapshotStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("queue: connect redis: %w", err)
		}
		q.store = store
	case cfg.SnapshotPath != "":
		q.store = newFileSnapshotStore(cfg.SnapshotPath)
	}

	if q.store != nil {
		if err := q.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

type snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Commands  []*meshtypes.Command `json:"commands"`
}

func (q *Queue) loadSnapshot() error {
	snap, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("queue: load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	for _, cmd := range snap.Commands {
		q.commands[cmd.ID] = cmd
		switch cmd.Status {
		case meshtypes.StatusQueued:
			heap.Push(&q.heap, &item{cmd: cmd})
		case meshtypes.StatusRunning:
			cmd.Status = meshtypes.StatusQueued
			cmd.AssignedAgent = ""
			heap.Push(&q.heap, &item{cmd: cmd})
			q.logger.Warn("recovered running command to queue", map[string]interface{}{"command_id": cmd.ID})
		}
	}
	q.logger.Info("loaded commands from snapshot", map[string]interface{}{"count": len(q.commands)})
	return nil
}

// saveSnapshotLocked persists every tracked command through q.store. Must
// be called with q.mu held.
func (q *Queue) saveSnapshotLocked() {
	if q.store == nil {
		return
	}
	cmds := make([]*meshtypes.Command, 0, len(q.commands))
	for _, c := range q.commands {
		cmds = append(cmds, c)
	}
	snap := snapshot{Timestamp: time.Now(), Commands: cmds}
	if err := q.store.Save(snap); err != nil {
		q.logger.Error("failed to persist queue snapshot", map[string]interface{}{"error": err.Error()})
	}
}

// RegisterAgent adds or replaces an agent entry in the routing table.
func (q *Queue) RegisterAgent(id, name, kind string, capabilities []string) *meshtypes.Agent {
	caps := make(map[string]struct{})
	if len(capabilities) == 0 {
		capabilities = defaultCapabilities(kind)
	}
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	agent := &meshtypes.Agent{
		ID:           id,
		Name:         name,
		Kind:         kind,
		Available:    true,
		Capabilities: caps,
		LastActive:   time.Now(),
	}
	q.mu.Lock()
	q.agents[id] = agent
	q.mu.Unlock()
	q.logger.Info("agent registered", map[string]interface{}{"agent_id": id, "kind": kind})
	return agent
}

func defaultCapabilities(kind string) []string {
	caps := map[string]struct{}{"chat": {}}
	switch {
	case contains(kind, "gemini"):
		caps["research"], caps["search"], caps["coordinate"] = struct{}{}, struct{}{}, struct{}{}
	case contains(kind, "claude"):
		caps["code"], caps["review"], caps["research"] = struct{}{}, struct{}{}, struct{}{}
	case contains(kind, "deepseek"), contains(kind, "qwen"):
		caps["code"] = struct{}{}
	case contains(kind, "kimi"), contains(kind, "nova"):
		caps["research"], caps["search"] = struct{}{}, struct{}{}
	case contains(kind, "mistral"), contains(kind, "cogito"):
		caps["review"] = struct{}{}
	case contains(kind, "codex"):
		caps["code"], caps["review"] = struct{}{}, struct{}{}
	}
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	return out
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := 0; j < len(sub); j++ {
			a, b := s[i+j], sub[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// EnqueueParams configures one Enqueue call.
type EnqueueParams struct {
	Payload    map[string]any
	Type       string
	Priority   meshtypes.CommandPriority
	Target     string
	MaxRetries int
}

// Enqueue adds a command to the queue, returning an error if the queue is
// at capacity.
func (q *Queue) Enqueue(p EnqueueParams) (*meshtypes.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.maxQueueSize {
		return nil, fmt.Errorf("queue: full (max %d)", q.maxQueueSize)
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := time.Now()
	cmd := &meshtypes.Command{
		ID:          meshtypes.NewID("cmd"),
		Priority:    p.Priority,
		EnqueueTime: now,
		Type:        p.Type,
		Payload:     p.Payload,
		Target:      p.Target,
		Status:      meshtypes.StatusQueued,
		CreatedAt:   now,
		MaxRetries:  maxRetries,
	}
	heap.Push(&q.heap, &item{cmd: cmd})
	q.commands[cmd.ID] = cmd
	q.saveSnapshotLocked()
	q.logger.Debug("command enqueued", map[string]interface{}{"command_id": cmd.ID, "type": cmd.Type})
	return cmd, nil
}

// Dequeue returns the next eligible command. If agentID is non-empty, only
// a command with no target (or targeting that agent) whose type the agent
// is capable of handling is returned; the queue is searched in priority
// order and the first match is popped out of place.
func (q *Queue) Dequeue(agentID string) *meshtypes.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	if agentID == "" {
		it := heap.Pop(&q.heap).(*item)
		cmd := it.cmd
		now := time.Now()
		cmd.Status = meshtypes.StatusRunning
		cmd.StartedAt = &now
		q.saveSnapshotLocked()
		return cmd
	}

	agent, ok := q.agents[agentID]
	if !ok || !agent.Available {
		return nil
	}

	ordered := make([]*item, len(q.heap))
	copy(ordered, q.heap)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].cmd.Priority != ordered[j].cmd.Priority {
			return ordered[i].cmd.Priority < ordered[j].cmd.Priority
		}
		return ordered[i].cmd.EnqueueTime.Before(ordered[j].cmd.EnqueueTime)
	})

	for _, it := range ordered {
		cmd := it.cmd
		if cmd.Target != "" && cmd.Target != agentID {
			continue
		}
		if !canHandle(agent, cmd.Type) {
			continue
		}
		q.removeLocked(it)
		now := time.Now()
		cmd.Status = meshtypes.StatusRunning
		cmd.AssignedAgent = agentID
		cmd.StartedAt = &now
		agent.CurrentCommandID = cmd.ID
		agent.Available = false
		q.saveSnapshotLocked()
		return cmd
	}
	return nil
}

func (q *Queue) removeLocked(target *item) {
	idx := target.index
	if idx < 0 || idx >= len(q.heap) {
		return
	}
	heap.Remove(&q.heap, idx)
}

func canHandle(agent *meshtypes.Agent, cmdType string) bool {
	required, ok := capabilityMap[cmdType]
	if !ok {
		return true
	}
	for _, r := range required {
		if r == "*" {
			return true
		}
	}
	for _, r := range required {
		if _, ok := agent.Capabilities[r]; ok {
			return true
		}
		if contains(agent.Kind, r) {
			return true
		}
	}
	return false
}

// Complete marks a command finished, retrying automatically on failure
// while retries remain, and frees the assigned agent.
func (q *Queue) Complete(commandID string, result map[string]any, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd, ok := q.commands[commandID]
	if !ok {
		return
	}

	now := time.Now()
	cmd.CompletedAt = &now

	if success {
		cmd.Status = meshtypes.StatusCompleted
		cmd.Result = result
	} else {
		cmd.Status = meshtypes.StatusFailed
		if result != nil {
			if errMsg, ok := result["error"].(string); ok {
				cmd.Error = errMsg
			}
		}
		if cmd.Error == "" {
			cmd.Error = "unknown error"
		}
		if cmd.Retries < cmd.MaxRetries {
			cmd.Retries++
			cmd.Status = meshtypes.StatusQueued
			heap.Push(&q.heap, &item{cmd: cmd})
			q.logger.Warn("command failed, retrying", map[string]interface{}{
				"command_id": commandID, "retries": cmd.Retries, "max_retries": cmd.MaxRetries,
			})
		}
	}

	if cmd.AssignedAgent != "" {
		if agent, ok := q.agents[cmd.AssignedAgent]; ok {
			agent.CurrentCommandID = ""
			agent.Available = true
			agent.LastActive = now
			if success {
				agent.CompletedCount++
			} else {
				agent.FailedCount++
			}
		}
	}

	q.saveSnapshotLocked()
}

// Get returns a command by id.
func (q *Queue) Get(commandID string) (*meshtypes.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[commandID]
	return cmd, ok
}

// LeastBusyAgent picks the available agent with the given capability whose
// current command count is lowest, excluding any id in exclude.
func (q *Queue) LeastBusyAgent(capability string, exclude map[string]struct{}) *meshtypes.Agent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*meshtypes.Agent
	for id, agent := range q.agents {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		if !agent.Available {
			continue
		}
		if capability != "" {
			if _, ok := agent.Capabilities[capability]; !ok {
				continue
			}
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CompletedCount+candidates[i].FailedCount != candidates[j].CompletedCount+candidates[j].FailedCount {
			return candidates[i].CompletedCount+candidates[i].FailedCount < candidates[j].CompletedCount+candidates[j].FailedCount
		}
		return candidates[i].AvgResponseTimeMs < candidates[j].AvgResponseTimeMs
	})
	return candidates[0]
}

// DistributeResearch enqueues one SEARCH-type command for the least busy
// agent capable of "search", falling back to "research" then any agent.
func (q *Queue) DistributeResearch(query string, priority meshtypes.CommandPriority) (*meshtypes.Command, error) {
	agent := q.LeastBusyAgent("search", nil)
	if agent == nil {
		agent = q.LeastBusyAgent("research", nil)
	}
	if agent == nil {
		agent = q.LeastBusyAgent("", nil)
	}
	if agent == nil {
		return nil, fmt.Errorf("queue: no agents available for research")
	}
	return q.Enqueue(EnqueueParams{
		Payload:  map[string]any{"query": query, "type": "web_search"},
		Type:     "search",
		Priority: priority,
		Target:   agent.ID,
	})
}

// Broadcast enqueues one command per target agent (or every registered
// agent if targets is empty).
func (q *Queue) Broadcast(payload map[string]any, cmdType string, targets []string) ([]*meshtypes.Command, error) {
	agentIDs := targets
	if len(agentIDs) == 0 {
		q.mu.Lock()
		for id := range q.agents {
			agentIDs = append(agentIDs, id)
		}
		q.mu.Unlock()
	}
	out := make([]*meshtypes.Command, 0, len(agentIDs))
	for _, id := range agentIDs {
		cmd, err := q.Enqueue(EnqueueParams{
			Payload:  payload,
			Type:     cmdType,
			Priority: meshtypes.PriorityNormal,
			Target:   id,
		})
		if err != nil {
			return out, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Stats is a point-in-time summary of queue and agent state.
type Stats struct {
	TotalCommands int                         `json:"total_commands"`
	QueueSize     int                         `json:"queue_size"`
	ByStatus      map[meshtypes.CommandStatus]int `json:"by_status"`
	ByType        map[string]int              `json:"by_type"`
	ByPriority    map[meshtypes.CommandPriority]int `json:"by_priority"`
	Agents        map[string]*meshtypes.Agent `json:"agents"`
}

// Stats summarizes every command and agent currently tracked.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByStatus:   make(map[meshtypes.CommandStatus]int),
		ByType:     make(map[string]int),
		ByPriority: make(map[meshtypes.CommandPriority]int),
		Agents:     make(map[string]*meshtypes.Agent, len(q.agents)),
	}
	for _, cmd := range q.commands {
		s.ByStatus[cmd.Status]++
		s.ByType[cmd.Type]++
		s.ByPriority[cmd.Priority]++
	}
	s.TotalCommands = len(q.commands)
	s.QueueSize = len(q.heap)
	for id, agent := range q.agents {
		s.Agents[id] = agent
	}
	return s
}

// AgentStats reports one agent's status plus pending/completed counts
// against commands it was or is assigned.
func (q *Queue) AgentStats(agentID string) (map[string]any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	agent, ok := q.agents[agentID]
	if !ok {
		return nil, false
	}
	pending := 0
	for _, it := range q.heap {
		if it.cmd.Target == agentID {
			pending++
		}
	}
	completed := 0
	for _, cmd := range q.commands {
		if cmd.AssignedAgent == agentID && cmd.Status == meshtypes.StatusCompleted {
			completed++
		}
	}
	return map[string]any{
		"agent":             agent,
		"pending_commands":  pending,
		"total_completed":   completed,
	}, true
}
