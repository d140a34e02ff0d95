package meshtypes

import "time"

// Role is one of the five fixed roles every caller or endpoint carries.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleLead     Role = "LEAD"
	RoleWorker   Role = "WORKER"
	RoleReviewer Role = "REVIEWER"
	RoleReader   Role = "READER"
)

// Permission is one entry of the ~20-permission enumeration from §4.1.
type Permission string

const (
	PermMemoryRead   Permission = "memory:read"
	PermMemoryWrite  Permission = "memory:write"
	PermMemoryDelete Permission = "memory:delete"
	PermMemoryAdmin  Permission = "memory:admin"

	PermCodeExec     Permission = "code:exec"
	PermCodeLint     Permission = "code:lint"
	PermDepsInstall  Permission = "deps:install"
	PermTestsRun     Permission = "tests:run"

	PermGitRead   Permission = "git:read"
	PermGitWrite  Permission = "git:write"
	PermGitBranch Permission = "git:branch"

	PermFileRead   Permission = "file:read"
	PermFileWrite  Permission = "file:write"
	PermFileDelete Permission = "file:delete"

	PermLLMCall      Permission = "llm:call"
	PermLLMBroadcast Permission = "llm:broadcast"
	PermLLMConsensus Permission = "llm:consensus"

	PermAuditRead  Permission = "audit:read"
	PermAuditWrite Permission = "audit:write"
	PermHealthCheck Permission = "health:check"

	PermAdminFull Permission = "admin:full"
)

// LLMEndpoint identifies one registered model backend. Immutable after
// registration.
type LLMEndpoint struct {
	ID           string
	Model        string
	Capabilities map[string]struct{}
	Role         Role
}

// HasCapability reports whether the endpoint is tagged with tag.
func (e *LLMEndpoint) HasCapability(tag string) bool {
	_, ok := e.Capabilities[tag]
	return ok
}

// CircuitState is one of the three states a Circuit can be in.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CommandPriority orders Command dequeue; lower value wins.
type CommandPriority int

const (
	PriorityCritical CommandPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

// CommandStatus is the lifecycle state of a Command.
type CommandStatus string

const (
	StatusQueued    CommandStatus = "QUEUED"
	StatusRunning   CommandStatus = "RUNNING"
	StatusCompleted CommandStatus = "COMPLETED"
	StatusFailed    CommandStatus = "FAILED"
	StatusCancelled CommandStatus = "CANCELLED"
)

// Command is one unit of work tracked by the Command Queue.
type Command struct {
	ID             string          `json:"id"`
	Priority       CommandPriority `json:"priority"`
	EnqueueTime    time.Time       `json:"enqueue_time"`
	Type           string          `json:"type"`
	Payload        map[string]any  `json:"payload"`
	Target         string          `json:"target,omitempty"`
	Status         CommandStatus   `json:"status"`
	AssignedAgent  string          `json:"assigned_agent,omitempty"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Agent is one worker registered with the Command Queue.
type Agent struct {
	ID                string
	Name              string
	Kind              string
	Available         bool
	CurrentCommandID  string
	CompletedCount    int
	FailedCount       int
	AvgResponseTimeMs float64
	Capabilities      map[string]struct{}
	LastActive        time.Time
}

// AuditLevel is the severity tag on an AuditEntry.
type AuditLevel string

const (
	LevelDebug    AuditLevel = "DEBUG"
	LevelInfo     AuditLevel = "INFO"
	LevelWarn     AuditLevel = "WARN"
	LevelError    AuditLevel = "ERROR"
	LevelCritical AuditLevel = "CRITICAL"
	LevelSecurity AuditLevel = "SECURITY"
)

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	Timestamp       time.Time      `json:"timestamp"`
	TraceID         string         `json:"trace_id"`
	SessionID       string         `json:"session_id,omitempty"`
	CallerID        string         `json:"caller_id"`
	Action          string         `json:"action"`
	Level           AuditLevel     `json:"level"`
	ToolName        string         `json:"tool_name,omitempty"`
	TargetEndpoint  string         `json:"target_endpoint,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ResultStatus    string         `json:"result_status,omitempty"`
	ExecutionTimeMs float64        `json:"execution_time_ms,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// MemoryType tags the kind of content a MemoryEntry holds.
type MemoryType string

const (
	MemoryFact     MemoryType = "FACT"
	MemoryDecision MemoryType = "DECISION"
	MemoryCode     MemoryType = "CODE"
	MemorySummary  MemoryType = "SUMMARY"
	MemoryContext  MemoryType = "CONTEXT"
	MemoryTodo     MemoryType = "TODO"
)

// MemoryEntry is one versioned, content-addressed memory record.
type MemoryEntry struct {
	ID               string     `json:"id"`
	Content          string     `json:"content"`
	Type             MemoryType `json:"type"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Confidence       float64    `json:"confidence"`
	TTL              *time.Duration `json:"ttl,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Version          int        `json:"version"`
	PreviousVersionID string    `json:"previous_version_id,omitempty"`
	SourceEndpoint   string     `json:"source_endpoint,omitempty"`
	ValidatedBy      map[string]struct{} `json:"validated_by,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Importance       float64    `json:"importance,omitempty"`
	ProjectID        string     `json:"project_id,omitempty"`
	Keywords         []string   `json:"keywords,omitempty"`
}

// Expired reports whether the entry's ExpiresAt has passed as of now.
func (m *MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Tool is one entry in the dispatcher's registry.
type Tool struct {
	Name               string
	Description        string
	InputSchema        map[string]any
	RequiredPermission Permission
	Category           string
}

// ChainStatus is the lifecycle state of a Chain.
type ChainStatus string

const (
	ChainPending   ChainStatus = "PENDING"
	ChainRunning   ChainStatus = "RUNNING"
	ChainPaused    ChainStatus = "PAUSED"
	ChainCompleted ChainStatus = "COMPLETED"
	ChainFailed    ChainStatus = "FAILED"
	ChainCancelled ChainStatus = "CANCELLED"
)

// NextAction is what the Cycle Engine decided to do after consolidation.
type NextAction string

const (
	ActionContinue NextAction = "continue"
	ActionDone     NextAction = "done"
	ActionError    NextAction = "error"
)

// AgentTask is one task_id entry in an agent plan.
type AgentTask struct {
	TaskID      string   `json:"task_id"`
	Agent       string   `json:"agent"`
	TaskType    string   `json:"task_type"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt"`
	Priority    int      `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// AgentPlan is the parsed structure of a lead model's ```agent_plan block.
type AgentPlan struct {
	Analysis       string      `json:"analysis"`
	Reasoning      string      `json:"reasoning"`
	Tasks          []AgentTask `json:"tasks"`
	ExpectedOutput string      `json:"expected_output"`
}

// AgentResult is the outcome of one dispatched AgentTask.
type AgentResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Cycle is one plan->dispatch->consolidate iteration of a Chain.
type Cycle struct {
	CycleNumber     int                     `json:"cycle_number"`
	StartedAt       time.Time               `json:"started_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	LeadAnalysis    string                  `json:"lead_analysis"`
	AgentPlan       *AgentPlan              `json:"agent_plan,omitempty"`
	AgentTasks      []AgentTask             `json:"agent_tasks,omitempty"`
	AgentResults    map[string]AgentResult  `json:"agent_results"`
	Consolidation   string                  `json:"consolidation,omitempty"`
	NextAction      NextAction              `json:"next_action"`
	ExecutionTimeMs float64                 `json:"execution_time_ms"`
	TokensUsed      int                     `json:"tokens_used"`
	Errors          []string                `json:"errors,omitempty"`
}

// Chain is one user-initiated multi-cycle workflow.
type Chain struct {
	ChainID             string      `json:"chain_id"`
	ProjectID           string      `json:"project_id"`
	UserPrompt          string      `json:"user_prompt"`
	Status              ChainStatus `json:"status"`
	MaxCycles           int         `json:"max_cycles"`
	CurrentCycle        int         `json:"current_cycle"`
	Cycles              []*Cycle    `json:"cycles"`
	AutopromptProfile   string      `json:"autoprompt_profile,omitempty"`
	StartedAt           time.Time   `json:"started_at"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	FinalOutput         string      `json:"final_output,omitempty"`
	TotalTokens         int         `json:"total_tokens"`
	Error               string      `json:"error,omitempty"`
}
