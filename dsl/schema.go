package dsl

import (
	"strconv"
	"time"
)

// NodeType identifies one of the sixteen node variants.
type NodeType string

const (
	// Control flow (pure)
	NodeTypeCondition NodeType = "condition"
	NodeTypeIfElse    NodeType = "if_else"
	NodeTypeLoop      NodeType = "loop"
	NodeTypeParallel  NodeType = "parallel"

	// Effectful / external
	NodeTypeAction   NodeType = "action"
	NodeTypeData     NodeType = "data"
	NodeTypeJudgment NodeType = "judgment"
	NodeTypeBI       NodeType = "bi"
	NodeTypeMCP      NodeType = "mcp"

	// Suspension
	NodeTypeWait     NodeType = "wait"
	NodeTypeApproval NodeType = "approval"

	// Lifecycle / meta
	NodeTypeCompensation NodeType = "compensation"
	NodeTypeDeploy       NodeType = "deploy"
	NodeTypeRollback     NodeType = "rollback"
	NodeTypeSimulate     NodeType = "simulate"
	NodeTypeSubflow      NodeType = "subflow"
)

// DefinitionStatus is the lifecycle status of a definition version.
type DefinitionStatus string

const (
	StatusDraft      DefinitionStatus = "draft"
	StatusActive     DefinitionStatus = "active"
	StatusDeprecated DefinitionStatus = "deprecated"
	StatusArchived   DefinitionStatus = "archived"
)

// DefaultMaxLoopIterations caps loop nodes that do not configure their own
// limit. Exceeding the cap is a fatal LoopLimitExceeded failure, never a
// silent truncation.
const DefaultMaxLoopIterations = 1000

// Definition is one immutable version of a workflow blueprint.
type Definition struct {
	ID        string           `yaml:"id" json:"id"`
	Tenant    string           `yaml:"tenant" json:"tenant"`
	Name      string           `yaml:"name" json:"name"`
	Version   int              `yaml:"version" json:"version"`
	Status    DefinitionStatus `yaml:"status,omitempty" json:"status,omitempty"`
	ChangeLog string           `yaml:"change_log,omitempty" json:"change_log,omitempty"`

	// Trigger describes how instances of this definition are started.
	Trigger *TriggerDef `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Roots is the top-level execution sequence (node ids, run in order).
	Roots []string `yaml:"roots" json:"roots"`

	// Nodes is the flat arena of all nodes in the definition.
	Nodes []Node `yaml:"nodes" json:"nodes"`

	CreatedAt time.Time      `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	Metadata  map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// TriggerDef describes how a workflow is started.
type TriggerDef struct {
	Type     string         `yaml:"type" json:"type"` // manual, event, schedule
	Event    string         `yaml:"event,omitempty" json:"event,omitempty"`
	Schedule string         `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Node is one step in the tree. Exactly one variant config must be set,
// matching Type. Next is the continuation slot shared by all variants.
type Node struct {
	ID   string   `yaml:"id" json:"id"`
	Type NodeType `yaml:"type" json:"type"`
	Name string   `yaml:"name,omitempty" json:"name,omitempty"`

	// Next is executed after this node completes successfully.
	Next []string `yaml:"next,omitempty" json:"next,omitempty"`

	Condition    *ConditionConfig    `yaml:"condition,omitempty" json:"condition,omitempty"`
	IfElse       *IfElseConfig       `yaml:"if_else,omitempty" json:"if_else,omitempty"`
	Loop         *LoopConfig         `yaml:"loop,omitempty" json:"loop,omitempty"`
	Parallel     *ParallelConfig     `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Action       *ActionConfig       `yaml:"action,omitempty" json:"action,omitempty"`
	Data         *DataConfig         `yaml:"data,omitempty" json:"data,omitempty"`
	Judgment     *JudgmentConfig     `yaml:"judgment,omitempty" json:"judgment,omitempty"`
	BI           *BIConfig           `yaml:"bi,omitempty" json:"bi,omitempty"`
	MCP          *MCPConfig          `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	Wait         *WaitConfig         `yaml:"wait,omitempty" json:"wait,omitempty"`
	Approval     *ApprovalConfig     `yaml:"approval,omitempty" json:"approval,omitempty"`
	Compensation *CompensationConfig `yaml:"compensation,omitempty" json:"compensation,omitempty"`
	Deploy       *DeployConfig       `yaml:"deploy,omitempty" json:"deploy,omitempty"`
	Rollback     *RollbackConfig     `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	Simulate     *SimulateConfig     `yaml:"simulate,omitempty" json:"simulate,omitempty"`
	Subflow      *SubflowConfig      `yaml:"subflow,omitempty" json:"subflow,omitempty"`

	// Call overrides the per-node-type default retry/timeout policy for
	// effectful variants.
	Call *CallOverride `yaml:"call,omitempty" json:"call,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ConditionConfig holds a bare boolean expression. The node has no children;
// its result is written to the context under AssignTo (default: the node id).
type ConditionConfig struct {
	Expr     string `yaml:"expr" json:"expr"`
	AssignTo string `yaml:"assign_to,omitempty" json:"assign_to,omitempty"`
}

// IfElseConfig branches on Expr: exactly one of Then/Else executes,
// never both, never neither.
type IfElseConfig struct {
	Expr string   `yaml:"expr" json:"expr"`
	Then []string `yaml:"then" json:"then"`
	Else []string `yaml:"else,omitempty" json:"else,omitempty"`
}

// LoopMode distinguishes counted loops from condition-driven loops.
type LoopMode string

const (
	LoopModeFor   LoopMode = "for"
	LoopModeWhile LoopMode = "while"
)

// LoopConfig drives a bounded loop over Body. For mode "for", Count
// iterations run; for mode "while", Expr is re-evaluated before each
// iteration. MaxIterations is a hard cap in both modes.
type LoopConfig struct {
	Mode          LoopMode `yaml:"mode" json:"mode"`
	Count         int      `yaml:"count,omitempty" json:"count,omitempty"`
	Expr          string   `yaml:"expr,omitempty" json:"expr,omitempty"`
	Body          []string `yaml:"loop_body" json:"loop_body"`
	MaxIterations int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// Branch is one parallel branch: an ordered sub-sequence of node ids.
type Branch struct {
	Name  string   `yaml:"name,omitempty" json:"name,omitempty"`
	Nodes []string `yaml:"nodes" json:"nodes"`
}

// ParallelConfig runs branches concurrently. With FailFast, the first branch
// failure cancels in-flight siblings; otherwise all branches run to
// completion and the node fails only if every branch failed.
type ParallelConfig struct {
	Branches []Branch `yaml:"branches" json:"branches"`
	FailFast bool     `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
}

// ActionConfig invokes a named operation through the gateway.
type ActionConfig struct {
	Target    string         `yaml:"target" json:"target"`
	Operation string         `yaml:"operation" json:"operation"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	// IdempotencyKey deduplicates re-attempts after crash-resume. Effectful
	// node authors should set this; see the at-least-once contract in the
	// checkpoint package.
	IdempotencyKey string `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	AssignTo       string `yaml:"assign_to,omitempty" json:"assign_to,omitempty"`
}

// DataConfig fetches from a named source into a context variable.
type DataConfig struct {
	Source   string         `yaml:"source" json:"source"`
	Query    string         `yaml:"query,omitempty" json:"query,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	AssignTo string         `yaml:"assign_to" json:"assign_to"`
}

// JudgmentConfig invokes a classification capability; the result is a label
// plus confidence written into the context.
type JudgmentConfig struct {
	Target   string         `yaml:"target" json:"target"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	AssignTo string         `yaml:"assign_to" json:"assign_to"`
}

// BIConfig invokes an analytics capability returning an aggregate.
type BIConfig struct {
	Target   string         `yaml:"target" json:"target"`
	Query    string         `yaml:"query" json:"query"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	AssignTo string         `yaml:"assign_to" json:"assign_to"`
}

// MCPConfig is a generic external tool call by name.
type MCPConfig struct {
	Target         string         `yaml:"target" json:"target"`
	Tool           string         `yaml:"tool" json:"tool"`
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	IdempotencyKey string         `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	AssignTo       string         `yaml:"assign_to,omitempty" json:"assign_to,omitempty"`
}

// WaitMode distinguishes the three suspension forms of a wait node.
type WaitMode string

const (
	WaitModeDuration WaitMode = "duration"
	WaitModeEvent    WaitMode = "event"
	WaitModeSchedule WaitMode = "schedule"
)

// WaitConfig suspends the instance: for a duration, until an external event
// signal arrives, or until the next tick of a cron schedule.
type WaitConfig struct {
	Mode            WaitMode `yaml:"mode" json:"mode"`
	DurationSeconds int      `yaml:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	Event           string   `yaml:"event,omitempty" json:"event,omitempty"`
	Schedule        string   `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// TimeoutPolicy is the per-node approval timeout behavior.
type TimeoutPolicy string

const (
	TimeoutFail    TimeoutPolicy = "fail"
	TimeoutApprove TimeoutPolicy = "approve"
)

// ApprovalConfig gates continuation on a human decision.
type ApprovalConfig struct {
	Approvers      []string      `yaml:"approvers" json:"approvers"`
	Message        string        `yaml:"message,omitempty" json:"message,omitempty"`
	TimeoutSeconds int           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	OnTimeout      TimeoutPolicy `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
}

// CompensationStrategy selects how completed nodes are rolled back.
type CompensationStrategy string

const (
	CompensationAuto   CompensationStrategy = "auto"
	CompensationManual CompensationStrategy = "manual"
)

// FailurePolicy governs whether a failed compensation step aborts the
// remaining rollback or lets it continue with earlier steps.
type FailurePolicy string

const (
	FailureAbort    FailurePolicy = "abort"
	FailureContinue FailurePolicy = "continue"
)

// CompensationAction is one manual compensating call.
type CompensationAction struct {
	Target    string         `yaml:"target" json:"target"`
	Operation string         `yaml:"operation" json:"operation"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// CompensationConfig marks a rollback boundary and strategy for the
// definition. Auto replays completed nodes in strict reverse order using each
// variant's built-in inverse; manual uses the explicit Actions map and skips
// nodes absent from it.
type CompensationConfig struct {
	Strategy  CompensationStrategy          `yaml:"strategy" json:"strategy"`
	Actions   map[string]CompensationAction `yaml:"actions,omitempty" json:"actions,omitempty"`
	OnFailure FailurePolicy                 `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// DeployConfig promotes a versioned artifact via the version manager.
type DeployConfig struct {
	ArtifactType      string `yaml:"artifact_type" json:"artifact_type"`
	ArtifactID        string `yaml:"artifact_id" json:"artifact_id"`
	Version           int    `yaml:"version" json:"version"`
	RollbackOnFailure bool   `yaml:"rollback_on_failure,omitempty" json:"rollback_on_failure,omitempty"`
}

// RollbackConfig reverts a versioned artifact.
type RollbackConfig struct {
	ArtifactType string `yaml:"artifact_type" json:"artifact_type"`
	ArtifactID   string `yaml:"artifact_id" json:"artifact_id"`
	Version      int    `yaml:"version" json:"version"`
}

// Scenario is one set of context overrides for a simulate run.
type Scenario struct {
	Name      string         `yaml:"name" json:"name"`
	Overrides map[string]any `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// SimulateConfig dry-runs the named target nodes under scenario overrides.
// Side effects are suppressed and results are returned as data, never merged
// into the live context.
type SimulateConfig struct {
	Targets   []string   `yaml:"targets" json:"targets"`
	Scenarios []Scenario `yaml:"scenarios" json:"scenarios"`
	AssignTo  string     `yaml:"assign_to,omitempty" json:"assign_to,omitempty"`
}

// SubflowConfig invokes another workflow definition inline. Version 0 means
// the active version at execution time.
type SubflowConfig struct {
	WorkflowID string         `yaml:"workflow_id" json:"workflow_id"`
	Version    int            `yaml:"version,omitempty" json:"version,omitempty"`
	Input      map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	AssignTo   string         `yaml:"assign_to,omitempty" json:"assign_to,omitempty"`
}

// BackoffStrategy selects retry delay growth.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// CallOverride overrides the per-node-type default retry/timeout policy.
// Nil fields keep the default.
type CallOverride struct {
	MaxRetries     *int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff        BackoffStrategy `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	InitialDelayMs int             `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`
	MaxDelayMs     int             `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	TimeoutMs      int             `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// IsEffectful reports whether the node type routes through the external call
// gateway.
func (t NodeType) IsEffectful() bool {
	switch t {
	case NodeTypeAction, NodeTypeData, NodeTypeJudgment, NodeTypeBI, NodeTypeMCP:
		return true
	}
	return false
}

// ChildSlots returns the named child slots of a node in declaration order.
// Every listed id references another node in the same definition arena.
func (n *Node) ChildSlots() map[string][]string {
	slots := make(map[string][]string)
	if len(n.Next) > 0 {
		slots["next"] = n.Next
	}
	switch n.Type {
	case NodeTypeIfElse:
		if n.IfElse != nil {
			if len(n.IfElse.Then) > 0 {
				slots["then"] = n.IfElse.Then
			}
			if len(n.IfElse.Else) > 0 {
				slots["else"] = n.IfElse.Else
			}
		}
	case NodeTypeLoop:
		if n.Loop != nil && len(n.Loop.Body) > 0 {
			slots["loop_body"] = n.Loop.Body
		}
	case NodeTypeParallel:
		if n.Parallel != nil {
			for i, br := range n.Parallel.Branches {
				if len(br.Nodes) > 0 {
					slots[branchSlotName(i)] = br.Nodes
				}
			}
		}
	}
	return slots
}

func branchSlotName(i int) string {
	return "branches[" + strconv.Itoa(i) + "]"
}
